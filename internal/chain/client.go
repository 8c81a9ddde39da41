// Package chain is the node RPC transport: rate-limited, instrumented access to
// blocks, logs, code and static contract calls, plus typed authority probes.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/PulseMakerWin/dss-ward/internal/metrics"
)

// Config holds transport settings.
type Config struct {
	URL               string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	// DeployerLookup enables the ots_getContractCreator trace API.
	DeployerLookup bool
}

// Client talks to one node. It is safe for concurrent use.
type Client struct {
	eth     *ethclient.Client
	rpc     *rpc.Client
	limiter *rate.Limiter
	timeout time.Duration

	deployerLookup bool
	// noCreatorAPI latches once the node says it lacks the trace method.
	noCreatorAPI atomic.Bool
}

// Dial connects to cfg.URL.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rc, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		eth:            ethclient.NewClient(rc),
		rpc:            rc,
		limiter:        rate.NewLimiter(limit, burst),
		timeout:        cfg.Timeout,
		deployerLookup: cfg.DeployerLookup,
	}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

// do waits for a rate-limit token, applies the per-request timeout and records
// the request.
func (c *Client) do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	status := metrics.Status(err)
	if IsRevert(err) {
		status = "reverted"
	}
	metrics.RPCRequests.WithLabelValues(method, status).Inc()
	return err
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	return n, err
}

// BlockTime returns the header timestamp of block number.
func (c *Client) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	var h *types.Header
	err := c.do(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		h, err = c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	err := c.do(ctx, "eth_getCode", func(ctx context.Context) error {
		var err error
		code, err = c.eth.CodeAt(ctx, addr, nil)
		return err
	})
	return code, err
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		out, err = c.eth.CallContract(ctx, msg, nil)
		return err
	})
	return out, err
}

type contractCreator struct {
	Hash    common.Hash    `json:"hash"`
	Creator common.Address `json:"creator"`
}

// ContractCreator returns the account that deployed addr, whether by a
// top-level creation transaction or an internal CREATE. Nodes without the
// Otterscan API, and EOAs, answer Absent.
func (c *Client) ContractCreator(ctx context.Context, addr common.Address) (Result, error) {
	if !c.deployerLookup || c.noCreatorAPI.Load() {
		return Absent, nil
	}
	var res *contractCreator
	err := c.do(ctx, "ots_getContractCreator", func(ctx context.Context) error {
		return c.rpc.CallContext(ctx, &res, "ots_getContractCreator", addr)
	})
	if isMethodNotFound(err) {
		c.noCreatorAPI.Store(true)
		return Absent, nil
	}
	if err != nil {
		return Absent, fmt.Errorf("contract creator of %s: %w", addr.Hex(), err)
	}
	if res == nil {
		return Absent, nil
	}
	return Present(res.Creator), nil
}
