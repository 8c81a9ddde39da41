// Package directory maps well-known system contract addresses to names, as
// published by the on-chain chain log registry.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PulseMakerWin/dss-ward/internal/chain"
	"github.com/PulseMakerWin/dss-ward/internal/store"
)

// ErrUnknownTarget is returned by Resolve for identifiers that are neither an
// address nor a directory name.
var ErrUnknownTarget = errors.New("not an address nor a chain log name")

// Entry is one registry record.
type Entry struct {
	Address common.Address `json:"address"`
	Name    string         `json:"name"`
}

// Directory is an immutable address to name table in registry order.
type Directory struct {
	entries []Entry
	names   map[common.Address]string
	byName  map[string]common.Address
}

func New(entries []Entry) *Directory {
	d := &Directory{
		names:  make(map[common.Address]string, len(entries)),
		byName: make(map[string]common.Address, len(entries)),
	}
	for _, e := range entries {
		if _, ok := d.names[e.Address]; ok {
			continue
		}
		d.entries = append(d.entries, e)
		d.names[e.Address] = e.Name
		if _, ok := d.byName[e.Name]; !ok {
			d.byName[e.Name] = e.Address
		}
	}
	return d
}

// Name returns the display name of addr: its directory name, or its
// checksummed hex when unnamed.
func (d *Directory) Name(addr common.Address) string {
	if d != nil {
		if name, ok := d.names[addr]; ok {
			return name
		}
	}
	return addr.Hex()
}

func (d *Directory) Lookup(name string) (common.Address, bool) {
	addr, ok := d.byName[name]
	return addr, ok
}

// Entries returns the records in registry order.
func (d *Directory) Entries() []Entry {
	return append([]Entry(nil), d.entries...)
}

func (d *Directory) Addresses() []common.Address {
	out := make([]common.Address, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.Address
	}
	return out
}

// Names returns every directory name in registry order.
func (d *Directory) Names() []string {
	out := make([]string, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.Name
	}
	return out
}

func (d *Directory) Len() int { return len(d.entries) }

// With returns a new directory with extra entries appended. Addresses already
// named keep their name.
func (d *Directory) With(extra ...Entry) *Directory {
	return New(append(d.Entries(), extra...))
}

// Resolve turns a command-line target into an address: a hex address is taken
// as is, anything else must be a directory name.
func (d *Directory) Resolve(identifier string) (common.Address, error) {
	if chain.IsAddress(identifier) {
		return common.HexToAddress(identifier), nil
	}
	if addr, ok := d.Lookup(identifier); ok {
		return addr, nil
	}
	return common.Address{}, fmt.Errorf("%q: %w (known names: %s)", identifier, ErrUnknownTarget, d.hint())
}

func (d *Directory) hint() string {
	names := d.Names()
	sort.Strings(names)
	if len(names) > 10 {
		names = append(names[:10], "...")
	}
	return strings.Join(names, ", ")
}

// Registry is the part of the prober Load needs.
type Registry interface {
	RegistryCount(ctx context.Context, registry common.Address) (uint64, error)
	RegistryEntry(ctx context.Context, registry common.Address, index uint64) (string, common.Address, error)
}

// Load returns the directory, from the store when reuse is set and a cached
// copy exists, otherwise by reading every registry entry and caching the
// result.
func Load(ctx context.Context, reg Registry, registry common.Address, st store.Store, reuse bool, log *slog.Logger) (*Directory, error) {
	if reuse {
		var cached []Entry
		ok, err := st.Get(store.DirectoryKey, &cached)
		switch {
		case err != nil:
			log.Warn("ignoring unreadable chain log cache", "err", err)
		case ok:
			log.Info("loaded chain log from cache", "entries", len(cached))
			return New(cached), nil
		}
	}

	count, err := reg.RegistryCount(ctx, registry)
	if err != nil {
		return nil, err
	}
	log.Info("downloading the chain log", "registry", registry.Hex(), "entries", count)
	entries := make([]Entry, 0, count)
	lastPct := -10
	for i := uint64(0); i < count; i++ {
		name, addr, err := reg.RegistryEntry(ctx, registry, i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Address: addr, Name: name})
		if pct := int(100 * i / count); pct/10 != lastPct/10 {
			lastPct = pct
			log.Info("downloading the chain log", "progress", pct)
		}
	}
	if err := st.Put(store.DirectoryKey, entries); err != nil {
		return nil, fmt.Errorf("cache chain log: %w", err)
	}
	return New(entries), nil
}
