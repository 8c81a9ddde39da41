// Package harvest fetches governance grant logs for a set of addresses in
// bounded block batches, with retries, per-batch checkpoints and a
// content-addressed result cache.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/PulseMakerWin/dss-ward/internal/chain"
	"github.com/PulseMakerWin/dss-ward/internal/metrics"
	"github.com/PulseMakerWin/dss-ward/internal/store"
)

const (
	// DefaultBatchSize stays well below provider log-range caps.
	DefaultBatchSize = 4096
	// MaxBatchSize is the largest range accepted by common providers.
	MaxBatchSize = 10000
)

// ErrInterrupted is returned when cancellation was observed between batches.
// The checkpoint has been flushed and a later run resumes from it.
var ErrInterrupted = errors.New("harvest interrupted")

// Source is the transport the harvester reads from.
type Source interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config tunes the harvester.
type Config struct {
	// FromBlock is where every harvest starts, typically the system deployment.
	FromBlock uint64
	BatchSize uint64
	Retry     chain.RetryPolicy
	// ReuseCache short-circuits harvests whose address set is already cached.
	ReuseCache bool
}

// Checkpoint records the next block of the in-progress harvest of one
// address set.
type Checkpoint struct {
	Digest    string    `json:"digest"`
	Start     uint64    `json:"start"`
	FromBlock uint64    `json:"fromBlock"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Harvester is not safe for concurrent use.
type Harvester struct {
	src    Source
	st     store.Store
	cfg    Config
	log    *slog.Logger
	topics [][]common.Hash

	blockTimes map[uint64]time.Time
}

func New(src Source, st store.Store, cfg Config, log *slog.Logger) *Harvester {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = chain.DefaultRetry
	}
	return &Harvester{
		src:        src,
		st:         st,
		cfg:        cfg,
		log:        log,
		topics:     Topics(),
		blockTimes: make(map[uint64]time.Time),
	}
}

// Harvest returns every grant log emitted by addrs from the configured start
// block to the chain head.
func (h *Harvester) Harvest(ctx context.Context, addrs []common.Address) ([]Event, error) {
	digest := Digest(addrs)
	if events, ok := h.cached(digest); ok {
		return events, nil
	}
	head, err := h.src.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest block: %w", err)
	}
	return h.run(ctx, addrs, digest, h.cfg.FromBlock, head)
}

// HarvestRange is Harvest over the inclusive range [from, to].
func (h *Harvester) HarvestRange(ctx context.Context, addrs []common.Address, from, to uint64) ([]Event, error) {
	digest := Digest(addrs)
	if events, ok := h.cached(digest); ok {
		return events, nil
	}
	return h.run(ctx, addrs, digest, from, to)
}

func (h *Harvester) cached(digest string) ([]Event, bool) {
	if !h.cfg.ReuseCache {
		return nil, false
	}
	var events []Event
	ok, err := h.st.Get(store.LogsKey(digest), &events)
	if err != nil {
		h.log.Warn("ignoring unreadable log cache", "digest", digest, "err", err)
		return nil, false
	}
	if ok {
		metrics.HarvestCacheHits.Inc()
		h.log.Info("loading logs from cache", "digest", digest, "logs", len(events))
	}
	return events, ok
}

// resume returns the saved progress for this harvest, if the checkpoint on
// disk belongs to it.
func (h *Harvester) resume(digest string, start uint64) (uint64, []Event) {
	var cp Checkpoint
	ok, err := h.st.Get(store.CheckpointKey(digest), &cp)
	if err != nil {
		h.log.Warn("ignoring unreadable checkpoint", "err", err)
		return start, nil
	}
	if !ok || cp.Digest != digest || cp.Start != start || cp.FromBlock <= start {
		return start, nil
	}
	var events []Event
	ok, err = h.st.Get(store.PartialKey(digest), &events)
	if err != nil || !ok {
		h.log.Warn("checkpoint without partial results, starting over", "digest", digest, "err", err)
		return start, nil
	}
	h.log.Info("resuming harvest", "digest", digest, "fromBlock", cp.FromBlock, "logs", len(events))
	return cp.FromBlock, events
}

func (h *Harvester) run(ctx context.Context, addrs []common.Address, digest string, start, end uint64) ([]Event, error) {
	// An empty address filter would match every contract on chain.
	if len(addrs) == 0 || start > end {
		return nil, nil
	}
	from, events := h.resume(digest, start)
	// In-flight requests finish even after cancellation; ctx is observed
	// between batches only.
	rpcCtx := context.WithoutCancel(ctx)
	total := end - start + 1
	lastPct := -1

	for from <= end {
		to := from + h.cfg.BatchSize - 1
		if to > end || to < from {
			to = end
		}
		if pct := int(100 * (from - start) / total); pct != lastPct {
			lastPct = pct
			h.log.Info("scanning logs", "addresses", len(addrs), "fromBlock", from, "toBlock", to, "progress", pct)
		}

		batch := h.fetch(rpcCtx, addrs, from, to)
		events = append(events, batch...)

		cp := Checkpoint{Digest: digest, Start: start, FromBlock: to + 1, UpdatedAt: time.Now().UTC()}
		if err := h.st.Put(store.PartialKey(digest), events); err != nil {
			return nil, fmt.Errorf("save partial logs: %w", err)
		}
		if err := h.st.Put(store.CheckpointKey(digest), cp); err != nil {
			return nil, fmt.Errorf("save checkpoint: %w", err)
		}
		if to == end {
			break
		}
		from = to + 1

		if ctx.Err() != nil {
			h.log.Warn("harvest interrupted, progress saved", "digest", digest, "nextBlock", from)
			return nil, fmt.Errorf("%w at block %d: %w", ErrInterrupted, from, ctx.Err())
		}
	}

	if err := h.st.Put(store.LogsKey(digest), events); err != nil {
		return nil, fmt.Errorf("cache logs: %w", err)
	}
	if err := h.st.Delete(store.PartialKey(digest)); err != nil {
		h.log.Warn("remove partial logs", "err", err)
	}
	if err := h.st.Delete(store.CheckpointKey(digest)); err != nil {
		h.log.Warn("remove checkpoint", "err", err)
	}
	h.log.Info("scanning logs done", "addresses", len(addrs), "logs", len(events))
	return events, nil
}

// fetch returns one batch, or nothing once the retries are exhausted: a gap
// is preferred over aborting the whole harvest.
func (h *Harvester) fetch(ctx context.Context, addrs []common.Address, from, to uint64) []Event {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addrs,
		Topics:    h.topics,
	}
	policy := h.cfg.Retry
	policy.OnRetry = func(attempt int, err error) {
		metrics.HarvestRetries.Inc()
		h.log.Warn("log fetch failed, retrying", "attempt", attempt, "fromBlock", from, "toBlock", to, "err", err)
	}
	var logs []types.Log
	err := chain.Retry(ctx, policy, func() error {
		var err error
		logs, err = h.src.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		metrics.HarvestBatches.WithLabelValues("dropped").Inc()
		h.log.Error("dropping log batch", "fromBlock", from, "toBlock", to, "attempts", policy.Attempts, "err", err)
		return nil
	}
	metrics.HarvestBatches.WithLabelValues("ok").Inc()
	metrics.HarvestLogs.Add(float64(len(logs)))

	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		e := fromLog(l)
		e.Timestamp = h.blockTime(ctx, l.BlockNumber)
		events = append(events, e)
	}
	return events
}

func (h *Harvester) blockTime(ctx context.Context, number uint64) time.Time {
	if t, ok := h.blockTimes[number]; ok {
		return t
	}
	var t time.Time
	err := chain.Retry(ctx, h.cfg.Retry, func() error {
		var err error
		t, err = h.src.BlockTime(ctx, number)
		return err
	})
	if err != nil {
		h.log.Warn("block time unavailable", "block", number, "err", err)
		return time.Time{}
	}
	h.blockTimes[number] = t
	return t
}
