package address

import (
	"errors"
	"strings"
)

// ReservedPrefix is the namespace of control paths; clients cannot subscribe
// beneath it.
const ReservedPrefix = "/_mesh"

var (
	// ErrInvalidPath indicates a subscription path that cannot be stored.
	ErrInvalidPath = errors.New("address: invalid path")
	// ErrInvalidGroup indicates a group name outside the group alphabet.
	ErrInvalidGroup = errors.New("address: invalid group name")
)

// IsGroup reports whether segment is written as a group: only A-Z, 0-9,
// '_' and '-', with at least one letter.
func IsGroup(segment string) bool {
	if segment == "" {
		return false
	}
	letter := false
	for i := 0; i < len(segment); i++ {
		c := segment[i]
		switch {
		case c >= 'A' && c <= 'Z':
			letter = true
		case c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return letter
}

// SplitGroup separates a leading group segment from the rest of path.
// "/G/test" yields ("G", "/test", true). Paths without a group, or with
// nothing after it, yield ("", path, false).
func SplitGroup(path string) (group, rest string, ok bool) {
	if !strings.HasPrefix(path, "/") {
		return "", path, false
	}
	idx := strings.IndexByte(path[1:], '/')
	if idx < 0 {
		return "", path, false
	}
	segment := path[1 : idx+1]
	rest = path[idx+1:]
	if !IsGroup(segment) || len(rest) < 2 {
		return "", path, false
	}
	return segment, rest, true
}

// JoinGroup prefixes path with a group segment.
func JoinGroup(group, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "/" + group + path
}

// NormalizeGroup upper-cases name and checks it against the group alphabet.
func NormalizeGroup(name string) (string, error) {
	group := strings.ToUpper(strings.TrimSpace(name))
	if !IsGroup(group) {
		return "", ErrInvalidGroup
	}
	return group, nil
}

// ValidatePath checks that a client subscription path is absolute, not
// reserved and does not start with a group segment.
func ValidatePath(path string) error {
	if len(path) < 2 || path[0] != '/' {
		return ErrInvalidPath
	}
	if IsReserved(path) {
		return ErrInvalidPath
	}
	first := path[1:]
	if idx := strings.IndexByte(first, '/'); idx >= 0 {
		first = first[:idx]
	}
	if first == "" || IsGroup(first) {
		return ErrInvalidPath
	}
	return nil
}

// IsReserved reports whether path lies in the control namespace.
func IsReserved(path string) bool {
	return path == ReservedPrefix || strings.HasPrefix(path, ReservedPrefix+"/")
}

// SplitList parses a space-separated list, dropping empty entries and
// duplicates while keeping first-seen order.
func SplitList(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JoinList is the inverse of SplitList.
func JoinList(items []string) string {
	return strings.Join(items, " ")
}
