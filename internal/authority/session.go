package authority

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PulseMakerWin/dss-ward/internal/harvest"
)

// Harvester fetches grant logs for an address set.
type Harvester interface {
	Harvest(ctx context.Context, addrs []common.Address) ([]harvest.Event, error)
}

// Session is the append-only log cache of one run: every address is
// harvested at most once, and its logs are reused by later lookups.
type Session struct {
	harvester Harvester
	logs      map[common.Address][]harvest.Event
	scanned   map[common.Address]struct{}
}

func NewSession(h Harvester) *Session {
	return &Session{
		harvester: h,
		logs:      make(map[common.Address][]harvest.Event),
		scanned:   make(map[common.Address]struct{}),
	}
}

// Prefetch harvests every not yet scanned address of addrs in one request set.
func (s *Session) Prefetch(ctx context.Context, addrs []common.Address) error {
	var fresh []common.Address
	seen := make(map[common.Address]struct{})
	for _, a := range addrs {
		if _, ok := s.scanned[a]; ok {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		fresh = append(fresh, a)
	}
	if len(fresh) == 0 {
		return nil
	}
	events, err := s.harvester.Harvest(ctx, fresh)
	if err != nil {
		return err
	}
	for _, e := range events {
		s.logs[e.Address] = append(s.logs[e.Address], e)
	}
	for _, a := range fresh {
		s.scanned[a] = struct{}{}
	}
	return nil
}

// Logs returns the grant logs emitted by addr, harvesting them if needed.
func (s *Session) Logs(ctx context.Context, addr common.Address) ([]harvest.Event, error) {
	if err := s.Prefetch(ctx, []common.Address{addr}); err != nil {
		return nil, err
	}
	return s.logs[addr], nil
}

// Grantees returns the distinct addresses named in addr's rely and kiss logs,
// in order of first appearance.
func (s *Session) Grantees(ctx context.Context, addr common.Address) ([]common.Address, error) {
	logs, err := s.Logs(ctx, addr)
	if err != nil {
		return nil, err
	}
	var out []common.Address
	for _, e := range logs {
		out = append(out, harvest.AddressesIn(e)...)
	}
	return unique(out), nil
}

func unique(addrs []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(addrs))
	out := make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
