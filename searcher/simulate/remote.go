package simulate

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/router"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// revertErrorCode is the JSON-RPC error code nodes use for execution reverts.
const revertErrorCode = 3

// RPCCaller is the subset of rpc.Client used for simulation.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

/*
RemoteProvider hands out snapshots backed by a node's eth_call. The contract is never deployed:
each call carries a state override placing the bytecode at models.DeployedAddress. Calls are pinned
to the committed tip by block hash (EIP-1898), so every call of one pass observes the same state
even if the height is reorged away in the meantime. A commit without a tip hash falls back to its
block number.
*/
type RemoteProvider struct {
	caller   RPCCaller
	gasLimit uint64
}

// NewRemoteProvider creates a provider on top of an open node RPC connection.
func NewRemoteProvider(client *rpc.Client, gasLimit uint64) *RemoteProvider {
	return NewRemoteProviderWithCaller(client, gasLimit)
}

// NewRemoteProviderWithCaller creates a provider on top of any RPCCaller.
func NewRemoteProviderWithCaller(caller RPCCaller, gasLimit uint64) *RemoteProvider {
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	return &RemoteProvider{caller: caller, gasLimit: gasLimit}
}

// StateAt returns a snapshot pinned to the committed tip. No request is made until a call runs.
func (p *RemoteProvider) StateAt(_ context.Context, block models.ChainCommitted) (router.Snapshot, error) {
	snapshot := &remoteSnapshot{
		caller:   p.caller,
		gasLimit: p.gasLimit,
	}
	if block.Tip != (common.Hash{}) {
		snapshot.block = map[string]interface{}{"blockHash": block.Tip, "requireCanonical": false}
		snapshot.label = block.Tip.Hex()
	} else {
		snapshot.block = hexutil.Uint64(block.Height)
		snapshot.label = strconv.FormatUint(block.Height, 10)
	}
	return snapshot, nil
}

type remoteSnapshot struct {
	caller   RPCCaller
	block    interface{}
	label    string
	gasLimit uint64
}

func (s *remoteSnapshot) Bind(code []byte) (router.Simulator, error) {
	if len(code) == 0 {
		return nil, ErrEmptyCode
	}
	overrides := map[common.Address]gethclient.OverrideAccount{
		models.DeployedAddress: {Code: common.CopyBytes(code)},
	}
	return &remoteSimulator{snapshot: s, overrides: overrides}, nil
}

type remoteSimulator struct {
	snapshot  *remoteSnapshot
	overrides map[common.Address]gethclient.OverrideAccount
}

func (r *remoteSimulator) Call(ctx context.Context, input []byte) ([]byte, error) {
	msg := map[string]interface{}{
		"to":    models.DeployedAddress,
		"gas":   hexutil.Uint64(r.snapshot.gasLimit),
		"input": hexutil.Bytes(input),
	}
	var ret hexutil.Bytes
	err := r.snapshot.caller.CallContext(ctx, &ret, "eth_call", msg, r.snapshot.block, r.overrides)
	if err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == revertErrorCode {
			return nil, fmt.Errorf("%w: %v", ErrReverted, err)
		}
		return nil, fmt.Errorf("eth_call at block %s failed: %w", r.snapshot.label, err)
	}
	return ret, nil
}
