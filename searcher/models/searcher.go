package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DeployedAddress is where the searcher contract is bound inside every simulation environment.
var DeployedAddress = common.HexToAddress("0x0000000000000000000000000000000000012345")

// Priority ranks a token. Only PriorityBeginning tokens may anchor a route (start = end),
// every other class marks an intermediate-hop-only token.
type Priority uint8

const (
	PriorityBeginning Priority = iota // USDC, USDT and other reserve assets
	PriorityVeryHigh
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityVeryLow
)

// PriorityFromInt decodes a stored priority. Unknown values fall back to PriorityMedium.
func PriorityFromInt(v int64) Priority {
	if v < int64(PriorityBeginning) || v > int64(PriorityVeryLow) {
		return PriorityMedium
	}
	return Priority(v)
}

// ParsePriority accepts a class name ("beginning", "very_high", ...) or its number 0..5.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for p := PriorityBeginning; p <= PriorityVeryLow; p++ {
		if name == p.String() || name == strconv.Itoa(int(p)) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Valid reports whether p is one of the six known classes.
func (p Priority) Valid() bool {
	return p <= PriorityVeryLow
}

func (p Priority) String() string {
	switch p {
	case PriorityBeginning:
		return "beginning"
	case PriorityVeryHigh:
		return "very_high"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityVeryLow:
		return "very_low"
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// DexType is the small integer tag the searcher contract uses to pick a swap adapter.
type DexType = uint8

// Token is one member of a chain-scoped token universe.
type Token struct {
	Address  common.Address `json:"address"`
	Priority Priority       `json:"priority"`
}

// Dex is one exchange (router) of a chain-scoped exchange universe.
type Dex struct {
	Address common.Address `json:"address"`
	Type    DexType        `json:"dex_type"`
}

// Hop is a single swap leg. Field names follow the ABI tuple the contract expects.
type Hop struct {
	DexType  uint8          `json:"dex_type"`
	Dex      common.Address `json:"dex"`
	SrcToken common.Address `json:"src_token"`
	DstToken common.Address `json:"dst_token"`
}

// RoutePath is a closed cycle of 2 or 3 hops. It is treated as a value object:
// once built it is never mutated, so slices of routes can be shared between goroutines.
type RoutePath struct {
	Hops []Hop `json:"hops"`
}

// StartToken returns the token the cycle starts and ends at.
func (r RoutePath) StartToken() common.Address {
	if len(r.Hops) == 0 {
		return common.Address{}
	}
	return r.Hops[0].SrcToken
}

// Key renders the route as "dex:src>dst|..." and is stable enough to use as a map key.
func (r RoutePath) Key() string {
	var b strings.Builder
	for i, hop := range r.Hops {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%d@%s:%s>%s", hop.DexType, hop.Dex.Hex(), hop.SrcToken.Hex(), hop.DstToken.Hex())
	}
	return b.String()
}

// Validate checks the route invariant: 2 or 3 hops, consecutive hops chained, closed cycle,
// no self-swaps and no token repeated except the shared start/end token.
// isBeginning may be nil when the token universe is not at hand.
func (r RoutePath) Validate(isBeginning func(common.Address) bool) error {
	if len(r.Hops) < 2 || len(r.Hops) > 3 {
		return fmt.Errorf("route must have 2 or 3 hops, got %d", len(r.Hops))
	}
	start := r.Hops[0].SrcToken
	if r.Hops[len(r.Hops)-1].DstToken != start {
		return fmt.Errorf("route does not return to start token %s", start.Hex())
	}
	if isBeginning != nil && !isBeginning(start) {
		return fmt.Errorf("start token %s is not a beginning token", start.Hex())
	}

	seen := map[common.Address]bool{start: true}
	for i, hop := range r.Hops {
		if hop.SrcToken == hop.DstToken {
			return fmt.Errorf("hop %d swaps %s into itself", i, hop.SrcToken.Hex())
		}
		if i > 0 && r.Hops[i-1].DstToken != hop.SrcToken {
			return fmt.Errorf("hop %d does not continue from hop %d", i, i-1)
		}
		if i == len(r.Hops)-1 {
			break
		}
		if seen[hop.DstToken] {
			return fmt.Errorf("token %s repeats inside the route", hop.DstToken.Hex())
		}
		seen[hop.DstToken] = true
	}
	return nil
}

// RouteOpportunity is a route selected by the evaluator together with its simulated profit.
type RouteOpportunity struct {
	Route  RoutePath
	Profit *uint256.Int
}

// ChainCommitted is one block-commit notification from the host node.
type ChainCommitted struct {
	Height uint64
	Tip    common.Hash
}

// RouteBatch is everything a single evaluation pass forwards downstream.
type RouteBatch struct {
	PassID      [16]byte
	BlockNumber uint64
	BlockHash   common.Hash
	Routes      []RouteOpportunity
}
