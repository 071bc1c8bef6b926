package codec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/holiman/uint256"
)

// ErrMalformedReturn is returned when the contract output is not a single uint256.
var ErrMalformedReturn = errors.New("malformed profit return data")

// HopComponents is the ABI layout of one hop:
//
//	struct Hop { uint8 dexType; address dex; address srcToken; address dstToken; }
var HopComponents = []abi.ArgumentMarshaling{
	{Name: "dexType", Type: "uint8"},
	{Name: "dex", Type: "address"},
	{Name: "srcToken", Type: "address"},
	{Name: "dstToken", Type: "address"},
}

var (
	// struct RoutePath { Hop[] hops; }
	routePathArgs = abi.Arguments{{
		Type: mustNewType("tuple", []abi.ArgumentMarshaling{
			{Name: "hops", Type: "tuple[]", Components: HopComponents},
		}),
	}}

	// struct Profit { uint256 amount; } is static, so it encodes exactly like a bare uint256.
	profitArgs = abi.Arguments{{Type: mustNewType("uint256", nil)}}
)

func mustNewType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %s: %v", t, err))
	}
	return typ
}

// EncodeRoute ABI-encodes a route as the raw calldata of a simulation call (no selector).
func EncodeRoute(route models.RoutePath) ([]byte, error) {
	if len(route.Hops) == 0 {
		return nil, fmt.Errorf("cannot encode an empty route")
	}
	data, err := routePathArgs.Pack(route)
	if err != nil {
		return nil, fmt.Errorf("failed to encode route: %w", err)
	}
	return data, nil
}

// DecodeProfit reads the Profit{uint256 amount} the contract returns.
func DecodeProfit(data []byte) (*uint256.Int, error) {
	if len(data) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrMalformedReturn, len(data))
	}
	out, err := profitArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReturn, err)
	}

	raw, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected type %T", ErrMalformedReturn, out[0])
	}

	amount, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, fmt.Errorf("%w: amount overflows uint256", ErrMalformedReturn)
	}
	return amount, nil
}
