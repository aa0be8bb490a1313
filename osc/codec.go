// Package osc encodes and decodes OSC 1.0 messages on top of go-osc's
// packet codec.
//
// Supported argument types are int32 ('i'), float32 ('f'), string ('s') and
// blob ('b'). Bundles are rejected.
package osc

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	gosc "github.com/hypebeast/go-osc/osc"
)

var (
	// ErrMalformed indicates bytes that are not a well-formed OSC message.
	ErrMalformed = errors.New("osc: malformed message")
	// ErrBundleUnsupported indicates an OSC bundle, which is not routed.
	ErrBundleUnsupported = errors.New("osc: bundles are not supported")
	// ErrUnsupportedType indicates an argument with no OSC encoding here.
	ErrUnsupportedType = errors.New("osc: unsupported argument type")
)

const bundleTag = "#bundle"

// Message is one OSC message.
type Message struct {
	Address string
	Args    []any
}

// NewMessage builds a message; int and float64 arguments are narrowed to
// their 32-bit OSC forms.
func NewMessage(address string, args ...any) Message {
	out := make([]any, 0, len(args))
	for _, arg := range args {
		switch v := arg.(type) {
		case int:
			out = append(out, int32(v))
		case float64:
			out = append(out, float32(v))
		default:
			out = append(out, arg)
		}
	}
	return Message{Address: address, Args: out}
}

// TypeTags returns the type tag string without the leading comma.
func (m Message) TypeTags() (string, error) {
	var b strings.Builder
	for _, arg := range m.Args {
		switch arg.(type) {
		case int32:
			b.WriteByte('i')
		case float32:
			b.WriteByte('f')
		case string:
			b.WriteByte('s')
		case []byte:
			b.WriteByte('b')
		default:
			return "", fmt.Errorf("%w: %T", ErrUnsupportedType, arg)
		}
	}
	return b.String(), nil
}

// Encode serializes m.
func Encode(m Message) ([]byte, error) {
	if !strings.HasPrefix(m.Address, "/") {
		return nil, fmt.Errorf("%w: address %q", ErrMalformed, m.Address)
	}
	if _, err := m.TypeTags(); err != nil {
		return nil, err
	}
	raw, err := gosc.NewMessage(m.Address, m.Args...).MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw, nil
}

// Decode parses one OSC message.
func Decode(data []byte) (msg Message, err error) {
	address, rest, err := splitAddress(data)
	if err != nil {
		return Message{}, err
	}
	if address == bundleTag {
		return Message{}, ErrBundleUnsupported
	}
	if !strings.HasPrefix(address, "/") {
		return Message{}, fmt.Errorf("%w: address %q", ErrMalformed, address)
	}
	if len(rest) == 0 {
		// Type tags are optional for argument-less messages.
		return Message{Address: address}, nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			msg, err = Message{}, fmt.Errorf("%w: %v", ErrMalformed, rec)
		}
	}()
	packet, err := gosc.ParsePacket(string(data))
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	parsed, ok := packet.(*gosc.Message)
	if !ok || parsed == nil {
		return Message{}, fmt.Errorf("%w: not a message", ErrMalformed)
	}

	msg = Message{Address: parsed.Address, Args: make([]any, 0, len(parsed.Arguments))}
	for _, arg := range parsed.Arguments {
		switch arg.(type) {
		case int32, float32, string, []byte:
			msg.Args = append(msg.Args, arg)
		default:
			return Message{}, fmt.Errorf("%w: %T", ErrUnsupportedType, arg)
		}
	}
	return msg, nil
}

// splitAddress reads the padded address string at the head of data.
func splitAddress(data []byte) (string, []byte, error) {
	end := bytes.IndexByte(data, 0)
	if end < 0 {
		return "", nil, fmt.Errorf("%w: unterminated address", ErrMalformed)
	}
	next := (end + 4) &^ 3
	if next > len(data) {
		return "", nil, fmt.Errorf("%w: address padding", ErrMalformed)
	}
	return string(data[:end]), data[next:], nil
}
