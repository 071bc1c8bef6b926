package codec

import (
	"fmt"
	"math/big"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// batchArgs is the layout of one output message:
//
//	struct RouteBatch {
//	    uint64 blockNumber;
//	    bytes32 blockHash;
//	    bytes16 passId;
//	    (Hop[] hops, uint256 profit)[] routes;
//	}
var batchArgs = abi.Arguments{{
	Type: mustNewType("tuple", []abi.ArgumentMarshaling{
		{Name: "blockNumber", Type: "uint64"},
		{Name: "blockHash", Type: "bytes32"},
		{Name: "passId", Type: "bytes16"},
		{Name: "routes", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "hops", Type: "tuple[]", Components: HopComponents},
			{Name: "profit", Type: "uint256"},
		}},
	}),
}}

type wireRoute struct {
	Hops   []models.Hop
	Profit *big.Int
}

type wireBatch struct {
	BlockNumber uint64
	BlockHash   [32]byte
	PassId      [16]byte
	Routes      []wireRoute
}

// EncodeBatch ABI-encodes the routes selected by one evaluation pass.
func EncodeBatch(batch models.RouteBatch) ([]byte, error) {
	wire := wireBatch{
		BlockNumber: batch.BlockNumber,
		BlockHash:   batch.BlockHash,
		PassId:      batch.PassID,
		Routes:      make([]wireRoute, len(batch.Routes)),
	}
	for i, opportunity := range batch.Routes {
		profit := new(big.Int)
		if opportunity.Profit != nil {
			profit = opportunity.Profit.ToBig()
		}
		wire.Routes[i] = wireRoute{Hops: opportunity.Route.Hops, Profit: profit}
	}

	data, err := batchArgs.Pack(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode route batch: %w", err)
	}
	return data, nil
}

// DecodeBatch is the inverse of EncodeBatch, used by consumers and tests.
func DecodeBatch(data []byte) (models.RouteBatch, error) {
	out, err := batchArgs.Unpack(data)
	if err != nil {
		return models.RouteBatch{}, fmt.Errorf("failed to decode route batch: %w", err)
	}
	wire := *abi.ConvertType(out[0], new(wireBatch)).(*wireBatch)

	batch := models.RouteBatch{
		PassID:      wire.PassId,
		BlockNumber: wire.BlockNumber,
		BlockHash:   common.Hash(wire.BlockHash),
		Routes:      make([]models.RouteOpportunity, len(wire.Routes)),
	}
	for i, route := range wire.Routes {
		profit, overflow := uint256.FromBig(route.Profit)
		if overflow {
			return models.RouteBatch{}, fmt.Errorf("route %d profit overflows uint256", i)
		}
		batch.Routes[i] = models.RouteOpportunity{
			Route:  models.RoutePath{Hops: route.Hops},
			Profit: profit,
		}
	}
	return batch, nil
}
