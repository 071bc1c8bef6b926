package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/codec"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/extension"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/repository"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/router"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	reloadAttempts = 3
	reloadBackoff  = 50 * time.Millisecond
)

// Store is the part of the repository the control surface writes through.
type Store interface {
	GetTokens(ctx context.Context, chainID uint64) ([]models.Token, error)
	GetDexs(ctx context.Context, chainID uint64) ([]models.Dex, error)
	UpdateRoutePaths(ctx context.Context, chainID uint64, update repository.RouteUpdate) error
	UpsertContract(ctx context.Context, chainID uint64, code []byte) error
}

// HeightSource reports the last block height the update loop acknowledged.
type HeightSource interface {
	LastFinishedHeight() uint64
}

// SearcherServer implements the control surface on top of the store and the extension state.
type SearcherServer struct {
	chainID       uint64
	store         Store
	state         *extension.State
	heights       HeightSource
	policy        router.MaxProfitPolicy
	maxCandidates int

	// serializes universe updates so the candidate bound check sees the universe it writes to
	universeMu sync.Mutex
}

// SearcherServerConfig holds what the control surface needs besides its collaborators.
type SearcherServerConfig struct {
	ChainID            uint64
	MaxRouteCandidates int // 0 disables the bound
	Policy             router.MaxProfitPolicy
}

// NewSearcherServer creates a new SearcherServer. heights may be nil.
func NewSearcherServer(config SearcherServerConfig, store Store, state *extension.State, heights HeightSource) *SearcherServer {
	return &SearcherServer{
		chainID:       config.ChainID,
		store:         store,
		state:         state,
		heights:       heights,
		policy:        config.Policy,
		maxCandidates: config.MaxRouteCandidates,
	}
}

// UpdateCode replaces the simulated contract. The bytecode is persisted first and the
// in-memory state is only swapped once the store accepted it.
func (s *SearcherServer) UpdateCode(
	ctx context.Context,
	req *connect.Request[UpdateCodeRequest],
) (*connect.Response[UpdateCodeResponse], error) {
	code, err := codec.ParseBytecode(req.Msg.Bytecode)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	if err := s.store.UpsertContract(ctx, s.chainID, code); err != nil {
		Logger.Error().Err(err).Uint64("chain_id", s.chainID).Msg("Failed to persist contract")
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("failed to persist contract"))
	}
	s.state.UpdateCode(code)

	snapshot := s.state.Snapshot()
	Logger.Info().
		Int("code_size", len(snapshot.Contract)).
		Str("code_hash", snapshot.CodeHash().Hex()).
		Msg("Contract updated")

	return connect.NewResponse(&UpdateCodeResponse{
		CodeSize: len(snapshot.Contract),
		CodeHash: snapshot.CodeHash().Hex(),
	}), nil
}

// UpdateProfitRate changes the thresholds in memory only; they are configuration, not state.
func (s *SearcherServer) UpdateProfitRate(
	ctx context.Context,
	req *connect.Request[UpdateProfitRateRequest],
) (*connect.Response[UpdateProfitRateResponse], error) {
	config, err := s.state.UpdateProfitRate(req.Msg.MinProfit, req.Msg.MaxProfit)
	if err != nil {
		if errors.Is(err, extension.ErrInvalidProfitRange) {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	Logger.Info().
		Uint64("min_profit", config.MinProfit).
		Uint64("max_profit", config.MaxProfit).
		Msg("Profit rate updated")

	return connect.NewResponse(&UpdateProfitRateResponse{
		MinProfit: config.MinProfit,
		MaxProfit: config.MaxProfit,
	}), nil
}

/*
UpdateRoutePaths applies a token/exchange universe change:

 1. validate the request (nothing is touched on bad input)
 2. project the resulting universe and reject it if it would exceed the candidate bound
 3. write the change in one store transaction
 4. re-read the full universe, regenerate the candidates and swap them into the state

A store failure leaves the in-memory candidates untouched. If the write commits but the re-read
keeps failing, the store is ahead of the candidates until the next successful update; an empty
update is enough to resynchronise.
*/
func (s *SearcherServer) UpdateRoutePaths(
	ctx context.Context,
	req *connect.Request[UpdateRoutePathsRequest],
) (*connect.Response[UpdateRoutePathsResponse], error) {
	update, err := parseRouteUpdate(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	s.universeMu.Lock()
	defer s.universeMu.Unlock()

	if s.maxCandidates > 0 {
		tokens, dexs, err := s.loadUniverse(ctx)
		if err != nil {
			return nil, err
		}
		tokens, dexs = projectUniverse(tokens, dexs, update)
		if projected := router.CountUniverse(dexs, tokens); projected > s.maxCandidates {
			return nil, connect.NewError(connect.CodeResourceExhausted,
				fmt.Errorf("update would produce %d route candidates, limit is %d", projected, s.maxCandidates))
		}
	}

	if err := s.store.UpdateRoutePaths(ctx, s.chainID, update); err != nil {
		Logger.Error().Err(err).Uint64("chain_id", s.chainID).Msg("Failed to update route paths")
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("failed to update route paths"))
	}

	tokens, dexs, err := s.reloadUniverse(ctx)
	if err != nil {
		Logger.Error().
			Err(err).
			Uint64("chain_id", s.chainID).
			Int("stale_candidates", len(s.state.Snapshot().Routes)).
			Msg("Route paths committed but the universe could not be re-read, candidates are stale")
		return nil, connect.NewError(connect.CodeInternal,
			fmt.Errorf("route paths were stored but candidates were not regenerated, retry the update"))
	}
	routes := router.Generate(dexs, tokens)
	s.state.UpdateRouteCandidates(routes)

	Logger.Info().
		Int("tokens", len(tokens)).
		Int("dexs", len(dexs)).
		Int("candidates", len(routes)).
		Msg("Route candidates regenerated")

	return connect.NewResponse(&UpdateRoutePathsResponse{
		Tokens:     len(tokens),
		Dexs:       len(dexs),
		Candidates: len(routes),
	}), nil
}

// GetStatus reports the current extension state.
func (s *SearcherServer) GetStatus(
	ctx context.Context,
	req *connect.Request[GetStatusRequest],
) (*connect.Response[GetStatusResponse], error) {
	snapshot := s.state.Snapshot()

	var finished uint64
	if s.heights != nil {
		finished = s.heights.LastFinishedHeight()
	}

	return connect.NewResponse(&GetStatusResponse{
		ChainID:          s.chainID,
		CodeSize:         len(snapshot.Contract),
		CodeHash:         snapshot.CodeHash().Hex(),
		MinProfit:        snapshot.MinProfit,
		MaxProfit:        snapshot.MaxProfit,
		MinProfitPercent: ppmToPercent(snapshot.MinProfit),
		MaxProfitPercent: ppmToPercent(snapshot.MaxProfit),
		MaxProfitPolicy:  s.policy.String(),
		Candidates:       len(snapshot.Routes),
		FinishedHeight:   finished,
		StateVersion:     snapshot.Version,
	}), nil
}

func (s *SearcherServer) loadUniverse(ctx context.Context) ([]models.Token, []models.Dex, error) {
	tokens, dexs, err := LoadUniverse(ctx, s.store, s.chainID)
	if err != nil {
		Logger.Error().Err(err).Uint64("chain_id", s.chainID).Msg("Failed to load universe")
		return nil, nil, connect.NewError(connect.CodeInternal, fmt.Errorf("failed to load universe"))
	}
	return tokens, dexs, nil
}

// reloadUniverse re-reads the universe after a committed write, retrying transient failures.
func (s *SearcherServer) reloadUniverse(ctx context.Context) ([]models.Token, []models.Dex, error) {
	var lastErr error
	for attempt := 0; attempt < reloadAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * reloadBackoff):
			}
		}
		tokens, dexs, err := LoadUniverse(ctx, s.store, s.chainID)
		if err == nil {
			return tokens, dexs, nil
		}
		lastErr = err
		Logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Failed to re-read universe")
	}
	return nil, nil, lastErr
}

// LoadUniverse reads the chain's tokens and exchanges from the store.
func LoadUniverse(ctx context.Context, store Store, chainID uint64) ([]models.Token, []models.Dex, error) {
	tokens, err := store.GetTokens(ctx, chainID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get tokens: %w", err)
	}
	dexs, err := store.GetDexs(ctx, chainID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get dexs: %w", err)
	}
	return tokens, dexs, nil
}

func parseRouteUpdate(req *UpdateRoutePathsRequest) (repository.RouteUpdate, error) {
	var update repository.RouteUpdate

	for i, t := range req.NewTokens {
		address, err := parseAddress(t.Address)
		if err != nil {
			return update, fmt.Errorf("new_tokens[%d]: %w", i, err)
		}
		if t.Priority < int(models.PriorityBeginning) || t.Priority > int(models.PriorityVeryLow) {
			return update, fmt.Errorf("new_tokens[%d]: priority %d out of range 0..5", i, t.Priority)
		}
		update.NewTokens = append(update.NewTokens, models.Token{Address: address, Priority: models.Priority(t.Priority)})
	}
	for i, a := range req.DeprecatedTokens {
		address, err := parseAddress(a)
		if err != nil {
			return update, fmt.Errorf("deprecated_tokens[%d]: %w", i, err)
		}
		update.DeprecatedTokens = append(update.DeprecatedTokens, address)
	}
	for i, d := range req.NewDexs {
		address, err := parseAddress(d.Address)
		if err != nil {
			return update, fmt.Errorf("new_dexs[%d]: %w", i, err)
		}
		if d.DexType < 0 || d.DexType > 255 {
			return update, fmt.Errorf("new_dexs[%d]: dex_type %d out of range 0..255", i, d.DexType)
		}
		update.NewDexs = append(update.NewDexs, models.Dex{Address: address, Type: models.DexType(d.DexType)})
	}
	for i, a := range req.DeprecatedDexs {
		address, err := parseAddress(a)
		if err != nil {
			return update, fmt.Errorf("deprecated_dexs[%d]: %w", i, err)
		}
		update.DeprecatedDexs = append(update.DeprecatedDexs, address)
	}

	return update, nil
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// projectUniverse applies update in the same order the store does.
func projectUniverse(tokens []models.Token, dexs []models.Dex, update repository.RouteUpdate) ([]models.Token, []models.Dex) {
	tokenSet := make(map[common.Address]models.Priority, len(tokens)+len(update.NewTokens))
	for _, t := range tokens {
		tokenSet[t.Address] = t.Priority
	}
	for _, t := range update.NewTokens {
		tokenSet[t.Address] = t.Priority
	}
	for _, a := range update.DeprecatedTokens {
		delete(tokenSet, a)
	}

	dexSet := make(map[common.Address]models.DexType, len(dexs)+len(update.NewDexs))
	for _, d := range dexs {
		dexSet[d.Address] = d.Type
	}
	for _, d := range update.NewDexs {
		dexSet[d.Address] = d.Type
	}
	for _, a := range update.DeprecatedDexs {
		delete(dexSet, a)
	}

	projectedTokens := make([]models.Token, 0, len(tokenSet))
	for address, priority := range tokenSet {
		projectedTokens = append(projectedTokens, models.Token{Address: address, Priority: priority})
	}
	projectedDexs := make([]models.Dex, 0, len(dexSet))
	for address, dexType := range dexSet {
		projectedDexs = append(projectedDexs, models.Dex{Address: address, Type: dexType})
	}
	return projectedTokens, projectedDexs
}

var ppmPerPercent = decimal.NewFromInt(10_000)

// ppmToPercent renders parts per million as a percentage, e.g. 500 -> "0.05".
func ppmToPercent(ppm uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(ppm), 0).Div(ppmPerPercent).String()
}
