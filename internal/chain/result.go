package chain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// Result is the outcome of an address-valued probe: either a present address
// or absent. Reverting calls and zero addresses are absent.
type Result struct {
	addr    common.Address
	present bool
}

// Absent is the zero Result.
var Absent = Result{}

func Present(addr common.Address) Result {
	if addr == (common.Address{}) {
		return Absent
	}
	return Result{addr: addr, present: true}
}

// Get returns the address and whether it is present.
func (r Result) Get() (common.Address, bool) { return r.addr, r.present }

func (r Result) String() string {
	if !r.present {
		return "absent"
	}
	return r.addr.Hex()
}

// Answer is the outcome of a boolean accessor such as wards(address).
type Answer int

const (
	// Unsupported means the accessor itself is missing on the contract.
	Unsupported Answer = iota
	No
	Yes
)

func (a Answer) String() string {
	switch a {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return "unsupported"
	}
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex string.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// ParseAddress parses a strict 0x-prefixed hex address.
func ParseAddress(s string) (common.Address, error) {
	if !IsAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// IsRevert reports whether err is the node telling us the call reverted, as
// opposed to a transport failure worth retrying.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	var de rpc.DataError
	if errors.As(err, &de) && de.ErrorData() != nil {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "invalid opcode")
}

const methodNotFound = -32601

func isMethodNotFound(err error) bool {
	var re rpc.Error
	if errors.As(err, &re) && re.ErrorCode() == methodNotFound {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "method not found")
}
