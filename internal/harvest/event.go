package harvest

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event is a harvested log enriched with its block time.
type Event struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber uint64         `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
	LogIndex    uint           `json:"logIndex"`
	Timestamp   time.Time      `json:"timestamp"`
}

func fromLog(l types.Log) Event {
	if l.Data == nil {
		l.Data = []byte{}
	}
	if l.Topics == nil {
		l.Topics = []common.Hash{}
	}
	return Event{
		Address:     l.Address,
		Topics:      l.Topics,
		Data:        l.Data,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
	}
}

// selectorTopic is a 4-byte function selector right-padded to a topic word,
// the way LogNote-style anonymous events carry the called signature.
func selectorTopic(signature string) common.Hash {
	var h common.Hash
	copy(h[:4], crypto.Keccak256([]byte(signature))[:4])
	return h
}

// Topics is the first-position topic filter for governance grants: the logged
// calls rely(address), kiss(address), kiss(address[]) and the Rely and Kiss
// events.
func Topics() [][]common.Hash {
	return [][]common.Hash{{
		selectorTopic("rely(address)"),
		selectorTopic("kiss(address)"),
		selectorTopic("kiss(address[])"),
		crypto.Keccak256Hash([]byte("Rely(address)")),
		crypto.Keccak256Hash([]byte("Kiss(address)")),
	}}
}

// addressWord returns the address held in a 32-byte word whose upper 12 bytes
// are zero.
func addressWord(word []byte) (common.Address, bool) {
	if len(word) != 32 {
		return common.Address{}, false
	}
	for _, b := range word[:12] {
		if b != 0 {
			return common.Address{}, false
		}
	}
	addr := common.BytesToAddress(word[12:])
	if addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}

// AddressesIn scans indexed topics and then data words for address-shaped
// values, in order of appearance.
func AddressesIn(e Event) []common.Address {
	var out []common.Address
	for _, t := range e.Topics {
		if a, ok := addressWord(t[:]); ok {
			out = append(out, a)
		}
	}
	for i := 0; i+32 <= len(e.Data); i += 32 {
		if a, ok := addressWord(e.Data[i : i+32]); ok {
			out = append(out, a)
		}
	}
	return out
}

// Digest identifies an address set independent of order.
func Digest(addrs []common.Address) string {
	hexes := make([]string, len(addrs))
	for i, a := range addrs {
		hexes[i] = a.Hex()
	}
	sort.Strings(hexes)
	hexes = slices.Compact(hexes)
	sum := sha256.Sum256([]byte(strings.Join(hexes, ",")))
	return hex.EncodeToString(sum[:])
}
