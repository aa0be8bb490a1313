package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"oscmesh/address"
	"oscmesh/config"
	"oscmesh/discovery"
	"oscmesh/osc"
	"oscmesh/storage"
)

func loadLocalConfig() (*config.NodeConfig, string, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, filepath.Dir(cfgPath), nil
}

func withStore(dataDir string, fn func(store *storage.Store) error) error {
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func listSessions(w io.Writer, store *storage.Store) error {
	sessions, err := store.ListRemoteSessions()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREMOTE\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", s.ID, s.Addr, formatMillis(s.CreatedAt))
	}
	return tw.Flush()
}

func clearSessions(w io.Writer, store *storage.Store) error {
	n, err := store.ClearRemoteSessions()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "removed %d session(s)\n", n)
	return nil
}

func printJournal(w io.Writer, store *storage.Store, filter storage.PeerEventFilter) error {
	events, err := store.GetPeerEvents(filter)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tPEER\tCLASS\tNAME\tGROUPS\tPATHS")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatMillis(e.Timestamp), e.EventType, e.PeerAddr, e.PeerClass, e.PeerName, e.Groups, e.Paths)
	}
	return tw.Flush()
}

// discoverPeers runs one browse window and prints the nodes it saw.
func discoverPeers(ctx context.Context, w io.Writer, cfg discovery.Config) error {
	scanner, err := discovery.NewPeerScanner(cfg)
	if err != nil {
		return err
	}
	if err := scanner.Start(); err != nil {
		return err
	}
	defer scanner.Stop()

	if err := scanner.Refresh(ctx); err != nil {
		return fmt.Errorf("browse: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tNODE ID\tVERSION")
	for _, peer := range scanner.ListPeers() {
		addr := "-"
		if ap, ok := peer.Addr(); ok {
			addr = ap.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", peer.Name, addr, peer.NodeID, peer.Version)
	}
	return tw.Flush()
}

// sendMessage writes one OSC datagram to a node's client socket, under group
// when one is given.
func sendMessage(to netip.AddrPort, group, path string, raw []string) error {
	if group != "" {
		normalized, err := address.NormalizeGroup(group)
		if err != nil {
			return fmt.Errorf("group %q: %w", group, err)
		}
		if err := address.ValidatePath(path); err != nil {
			return fmt.Errorf("path %q: %w", path, err)
		}
		path = address.JoinGroup(normalized, path)
	} else if address.IsReserved(path) {
		return fmt.Errorf("path %q: %w", path, address.ErrInvalidPath)
	}
	payload, err := osc.Encode(osc.NewMessage(path, parseArgs(raw)...))
	if err != nil {
		return err
	}

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(to))
	if err != nil {
		return fmt.Errorf("dial %s: %w", to, err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// parseArgs types command-line words as int32, float32 or string, in that
// order of preference.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, word := range raw {
		if i, err := strconv.ParseInt(word, 10, 32); err == nil {
			args = append(args, int32(i))
			continue
		}
		if f, err := strconv.ParseFloat(word, 32); err == nil {
			args = append(args, float32(f))
			continue
		}
		args = append(args, word)
	}
	return args
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format(time.RFC3339)
}
