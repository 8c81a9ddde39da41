package chain

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	//go:embed abi/chainlog.json
	chainLogJSON string
	//go:embed abi/auth.json
	authJSON string
	//go:embed abi/oracle.json
	oracleJSON string

	chainLogABI = mustABI(chainLogJSON)
	authABI     = mustABI(authJSON)
	oracleABI   = mustABI(oracleJSON)
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse embedded abi: %v", err))
	}
	return parsed
}

// Caller is the part of the transport the probes need.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	ContractCreator(ctx context.Context, addr common.Address) (Result, error)
}

// errAbsent marks a call whose answer is "no such value".
var errAbsent = errors.New("absent")

// Prober runs typed read-only probes against contracts.
type Prober struct {
	caller Caller
	retry  RetryPolicy
}

func NewProber(caller Caller, retry RetryPolicy) *Prober {
	return &Prober{caller: caller, retry: retry}
}

// call packs and runs method; reverts and undecodable results come back as errAbsent.
func (p *Prober) call(ctx context.Context, def abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := def.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	var out []byte
	err = Retry(ctx, p.retry, func() error {
		var err error
		out, err = p.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data})
		if IsRevert(err) {
			return Permanent(errAbsent)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	values, err := def.Unpack(method, out)
	if err != nil || len(values) == 0 {
		return nil, errAbsent
	}
	return values, nil
}

func (p *Prober) address(ctx context.Context, def abi.ABI, target common.Address, method string) (Result, error) {
	values, err := p.call(ctx, def, target, method)
	if errors.Is(err, errAbsent) {
		return Absent, nil
	}
	if err != nil {
		return Absent, fmt.Errorf("%s of %s: %w", method, target.Hex(), err)
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return Absent, nil
	}
	return Present(addr), nil
}

func (p *Prober) flag(ctx context.Context, def abi.ABI, target common.Address, method string, who common.Address) (Answer, error) {
	values, err := p.call(ctx, def, target, method, who)
	if errors.Is(err, errAbsent) {
		return Unsupported, nil
	}
	if err != nil {
		return Unsupported, fmt.Errorf("%s(%s) on %s: %w", method, who.Hex(), target.Hex(), err)
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return Unsupported, nil
	}
	if n.Sign() == 0 {
		return No, nil
	}
	return Yes, nil
}

// IsEOA reports whether addr has no deployed code.
func (p *Prober) IsEOA(ctx context.Context, addr common.Address) (bool, error) {
	var code []byte
	err := Retry(ctx, p.retry, func() error {
		var err error
		code, err = p.caller.CodeAt(ctx, addr)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("code at %s: %w", addr.Hex(), err)
	}
	return len(bytes.TrimLeft(code, "\x00")) == 0, nil
}

func (p *Prober) Owner(ctx context.Context, target common.Address) (Result, error) {
	return p.address(ctx, authABI, target, "owner")
}

func (p *Prober) Authority(ctx context.Context, target common.Address) (Result, error) {
	return p.address(ctx, authABI, target, "authority")
}

func (p *Prober) Deployer(ctx context.Context, target common.Address) (Result, error) {
	return p.caller.ContractCreator(ctx, target)
}

// Ward probes wards(candidate) on target.
func (p *Prober) Ward(ctx context.Context, target, candidate common.Address) (Answer, error) {
	return p.flag(ctx, chainLogABI, target, "wards", candidate)
}

// Bud probes bud(candidate) on an oracle.
func (p *Prober) Bud(ctx context.Context, target, candidate common.Address) (Answer, error) {
	return p.flag(ctx, oracleABI, target, "bud", candidate)
}

func (p *Prober) Orb0(ctx context.Context, oracle common.Address) (Result, error) {
	return p.address(ctx, oracleABI, oracle, "orb0")
}

func (p *Prober) Orb1(ctx context.Context, oracle common.Address) (Result, error) {
	return p.address(ctx, oracleABI, oracle, "orb1")
}

func (p *Prober) Src(ctx context.Context, oracle common.Address) (Result, error) {
	return p.address(ctx, oracleABI, oracle, "src")
}

// RegistryCount returns count() of the chain directory registry.
func (p *Prober) RegistryCount(ctx context.Context, registry common.Address) (uint64, error) {
	values, err := p.call(ctx, chainLogABI, registry, "count")
	if err != nil {
		return 0, fmt.Errorf("registry count: %w", err)
	}
	n, ok := values[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("registry count: unexpected value %v", values[0])
	}
	return n.Uint64(), nil
}

// RegistryEntry returns get(index) of the chain directory registry.
func (p *Prober) RegistryEntry(ctx context.Context, registry common.Address, index uint64) (string, common.Address, error) {
	values, err := p.call(ctx, chainLogABI, registry, "get", new(big.Int).SetUint64(index))
	if err != nil {
		return "", common.Address{}, fmt.Errorf("registry entry %d: %w", index, err)
	}
	if len(values) < 2 {
		return "", common.Address{}, fmt.Errorf("registry entry %d: short result", index)
	}
	raw, ok := values[0].([32]byte)
	addr, ok2 := values[1].(common.Address)
	if !ok || !ok2 {
		return "", common.Address{}, fmt.Errorf("registry entry %d: unexpected types", index)
	}
	return strings.TrimRight(string(raw[:]), "\x00"), addr, nil
}
