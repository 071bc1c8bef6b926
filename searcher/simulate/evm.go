package simulate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/router"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/rs/zerolog"
)

var simulateLog zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	simulateLog = zerolog.New(out).With().Timestamp().Str("component", "simulate").Logger()
}

// SetLogger allows setting a custom logger
func SetLogger(l zerolog.Logger) {
	simulateLog = l.With().Str("component", "simulate").Logger()
}

var (
	// ErrReverted is returned when the contract reverts or runs out of gas.
	ErrReverted = errors.New("simulation reverted")
	// ErrEmptyCode is returned when binding a contract with no bytecode.
	ErrEmptyCode = errors.New("contract bytecode is empty")
)

// DefaultGasLimit caps a single simulation call.
const DefaultGasLimit uint64 = 30_000_000

// caller is the account the simulated system call originates from.
var caller = common.HexToAddress("0xfffffffffffffffffffffffffffffffffffffffe")

// StateSnapshot is a local, read-only view of chain state at one block, executed with
// go-ethereum's interpreter. The wrapped StateDB is never written to: every Bind works
// on a copy, and every call on a copy of that copy.
type StateSnapshot struct {
	mu       sync.Mutex
	statedb  *state.StateDB
	header   *types.Header
	config   *params.ChainConfig
	gasLimit uint64
}

var _ router.Snapshot = (*StateSnapshot)(nil)

// NewStateSnapshot wraps statedb as the state at header. A zero gasLimit uses DefaultGasLimit.
func NewStateSnapshot(statedb *state.StateDB, header *types.Header, config *params.ChainConfig, gasLimit uint64) *StateSnapshot {
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	return &StateSnapshot{
		statedb:  statedb,
		header:   header,
		config:   config,
		gasLimit: gasLimit,
	}
}

// Bind places code at the deployed address in a private copy of the snapshot.
func (s *StateSnapshot) Bind(code []byte) (router.Simulator, error) {
	if len(code) == 0 {
		return nil, ErrEmptyCode
	}

	s.mu.Lock()
	bound := s.statedb.Copy()
	s.mu.Unlock()

	bound.SetCode(models.DeployedAddress, code)
	bound.Finalise(true)

	return &EVMSimulator{
		statedb:  bound,
		header:   s.header,
		config:   s.config,
		gasLimit: s.gasLimit,
	}, nil
}

// EVMSimulator issues static calls to the bound contract.
type EVMSimulator struct {
	mu       sync.Mutex
	statedb  *state.StateDB
	header   *types.Header
	config   *params.ChainConfig
	gasLimit uint64
}

// Call runs input against the deployed contract. Cancelling ctx aborts the interpreter.
func (s *EVMSimulator) Call(ctx context.Context, input []byte) ([]byte, error) {
	s.mu.Lock()
	statedb := s.statedb.Copy()
	s.mu.Unlock()

	blockContext := newBlockContext(s.header)
	evm := vm.NewEVM(blockContext, vm.TxContext{Origin: caller, GasPrice: new(big.Int)}, statedb, s.config, vm.Config{NoBaseFee: true})

	rules := s.config.Rules(blockContext.BlockNumber, blockContext.Random != nil, blockContext.Time)
	target := models.DeployedAddress
	statedb.Prepare(rules, caller, blockContext.Coinbase, &target, vm.ActivePrecompiles(rules), nil)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			evm.Cancel()
		case <-done:
		}
	}()

	ret, gasLeft, err := evm.StaticCall(vm.AccountRef(caller), target, input, s.gasLimit)
	if evm.Cancelled() {
		return nil, fmt.Errorf("simulation cancelled: %w", ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReverted, err)
	}

	simulateLog.Trace().
		Uint64("gas_used", s.gasLimit-gasLeft).
		Int("output_len", len(ret)).
		Msg("Simulation finished")
	return ret, nil
}

func newBlockContext(header *types.Header) vm.BlockContext {
	random := header.MixDigest
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	difficulty := header.Difficulty
	if difficulty == nil {
		difficulty = new(big.Int)
	}
	return vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     func(uint64) common.Hash { return common.Hash{} },
		Coinbase:    header.Coinbase,
		GasLimit:    header.GasLimit,
		BlockNumber: new(big.Int).Set(header.Number),
		Time:        header.Time,
		Difficulty:  difficulty,
		BaseFee:     baseFee,
		BlobBaseFee: big.NewInt(1),
		Random:      &random,
	}
}
