package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"overlay-go/pkg/deviceid"
	"overlay-go/pkg/router"
)

var errUsage = errors.New("wrong number of arguments")

func (s *Session) registerCommands() {
	s.mgmt.RegisterHandler("peers", "List known peers with their path status", s.handlePeers)
	s.mgmt.RegisterHandler("peer", "Show one peer as JSON. Usage: peer <id>", s.handlePeer)
	s.mgmt.RegisterHandler("remove", "Forget a peer. Usage: remove <id>", s.handleRemove)
	s.mgmt.RegisterHandler("route", "Show the route decision for a peer. Usage: route <id> [relay|best-effort|direct]", s.handleRoute)
	s.mgmt.RegisterHandler("self", "Show this device id and overlay address", s.handleSelf)
	s.mgmt.RegisterHandler("hints", "List remembered direct endpoints", s.handleHints)
	s.mgmt.RegisterHandler("graph", "Print the topology in DOT format", s.handleGraph)
}

func (s *Session) handlePeers([]string) (string, error) {
	peers := s.Peers()
	if len(peers) == 0 {
		return "OK: no peers", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "OK: %d peers\n", len(peers))
	for _, st := range peers {
		target := "-"
		if st.TargetAddress.IsValid() {
			target = st.TargetAddress.String()
		}
		last := "never"
		if !st.LastPacket.IsZero() {
			last = s.clock.Since(st.LastPacket).Truncate(time.Millisecond).String() + " ago"
		}
		fmt.Fprintf(&b, "%s %-14s active=%-5t secure=%-5t target=%s last=%s\n",
			st.ID, st.Status, st.Active, st.Negotiated, target, last)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Session) handlePeer(args []string) (string, error) {
	if len(args) != 1 {
		return "", errUsage
	}
	id, err := deviceid.Parse(args[0])
	if err != nil {
		return "", err
	}
	st, ok := s.Peer(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Session) handleRemove(args []string) (string, error) {
	if len(args) != 1 {
		return "", errUsage
	}
	id, err := deviceid.Parse(args[0])
	if err != nil {
		return "", err
	}
	if !s.RemovePeer(id) {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return "OK: removed " + id.String(), nil
}

func (s *Session) handleRoute(args []string) (string, error) {
	if len(args) < 1 || len(args) > 2 {
		return "", errUsage
	}
	id, err := deviceid.Parse(args[0])
	if err != nil {
		return "", err
	}
	strategy := router.BestEffort
	if len(args) == 2 {
		if strategy, err = router.ParseStrategy(args[1]); err != nil {
			return "", err
		}
	}
	d, err := s.Route(id, strategy)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("OK: %s: %s", strategy, d), nil
}

func (s *Session) handleSelf([]string) (string, error) {
	return fmt.Sprintf("OK: %s %s peers=%d", s.self, s.SelfAddress(), s.reg.Len()), nil
}

func (s *Session) handleHints([]string) (string, error) {
	if s.book == nil {
		return "OK: address hints disabled", nil
	}
	hints := s.book.Hints()
	var b strings.Builder
	fmt.Fprintf(&b, "OK: %d hints", len(hints))
	for _, h := range hints {
		fmt.Fprintf(&b, "\n%s %s", h.ID, h.Target)
		if h.LinkLocal.IsValid() {
			fmt.Fprintf(&b, " link-local=%s", h.LinkLocal)
		}
		fmt.Fprintf(&b, " seen=%s", h.SeenAt.UTC().Format(time.RFC3339))
	}
	return b.String(), nil
}

func (s *Session) handleGraph([]string) (string, error) {
	return s.Topology().GenerateGraphviz(), nil
}
