package extension

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// DefaultMinProfit is the minimum profit, in parts per million of notional.
	DefaultMinProfit uint64 = 500
	// DefaultMaxProfit is the saturating profit, in parts per million of notional.
	DefaultMaxProfit uint64 = 1000
)

// ErrInvalidProfitRange is returned when an update would leave min above max.
var ErrInvalidProfitRange = errors.New("min profit exceeds max profit")

// Config is a consistent copy of the extension state, taken under one read lock.
// Contract and Routes are shared with the state and must be treated as read-only.
type Config struct {
	Contract  []byte
	MinProfit uint64
	MaxProfit uint64
	Routes    []models.RoutePath
	Version   uint64 // incremented on every mutation
}

// CodeHash returns the keccak256 of the contract bytecode, or the zero hash when empty.
func (c Config) CodeHash() common.Hash {
	if len(c.Contract) == 0 {
		return common.Hash{}
	}
	return crypto.Keccak256Hash(c.Contract)
}

// State is the mutable configuration shared by the control surface (writer) and the
// block loop (reader). None of its methods perform I/O.
type State struct {
	mu     sync.RWMutex
	config Config
}

// NewState creates the state with the default profit bounds and no contract.
func NewState() *State {
	return &State{config: Config{
		MinProfit: DefaultMinProfit,
		MaxProfit: DefaultMaxProfit,
	}}
}

// Snapshot returns every field at once so contract and routes are always evaluated together.
func (s *State) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// UpdateCode replaces the contract bytecode wholesale. Empty code disables evaluation.
func (s *State) UpdateCode(code []byte) {
	owned := common.CopyBytes(code)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Contract = owned
	s.config.Version++
}

// UpdateProfitRate replaces only the bounds that are non-nil. The update is rejected
// as a whole when the resulting min would be above the resulting max.
func (s *State) UpdateProfitRate(minProfit, maxProfit *uint64) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	floor, ceiling := s.config.MinProfit, s.config.MaxProfit
	if minProfit != nil {
		floor = *minProfit
	}
	if maxProfit != nil {
		ceiling = *maxProfit
	}
	if floor > ceiling {
		return s.config, fmt.Errorf("%w: min %d, max %d", ErrInvalidProfitRange, floor, ceiling)
	}

	s.config.MinProfit = floor
	s.config.MaxProfit = ceiling
	s.config.Version++
	return s.config, nil
}

// UpdateRouteCandidates replaces the candidate list wholesale. The slice is owned by the
// state afterwards and must not be modified by the caller.
func (s *State) UpdateRouteCandidates(routes []models.RoutePath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Routes = routes
	s.config.Version++
}
