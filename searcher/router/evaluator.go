package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/codec"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var routerLog zerolog.Logger

var tracer = otel.Tracer("github.com/Cogwheel-Validator/spectra-searcher/searcher/router")

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	routerLog = zerolog.New(out).With().Timestamp().Str("component", "router").Logger()
}

// SetLogger allows setting a custom logger
func SetLogger(l zerolog.Logger) {
	routerLog = l.With().Str("component", "router").Logger()
}

// Simulator runs raw calldata against the searcher contract inside one pinned state snapshot.
// Implementations must not mutate the snapshot and must honour ctx cancellation.
type Simulator interface {
	Call(ctx context.Context, input []byte) ([]byte, error)
}

// Snapshot is a read-only point-in-time state view able to host the searcher contract.
type Snapshot interface {
	// Bind places code at models.DeployedAddress and returns a simulator for that view.
	Bind(code []byte) (Simulator, error)
}

// MaxProfitPolicy decides what happens to a route whose profit reaches max_profit.
type MaxProfitPolicy int

const (
	// RetainAndStop keeps the route and stops evaluating that start token.
	RetainAndStop MaxProfitPolicy = iota
	// CapAtMax discards routes above max_profit and never stops early.
	CapAtMax
)

// ParseMaxProfitPolicy accepts "retain_and_stop" (or empty) and "cap".
func ParseMaxProfitPolicy(s string) (MaxProfitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "retain_and_stop":
		return RetainAndStop, nil
	case "cap":
		return CapAtMax, nil
	}
	return RetainAndStop, fmt.Errorf("unknown max profit policy %q", s)
}

func (p MaxProfitPolicy) String() string {
	if p == CapAtMax {
		return "cap"
	}
	return "retain_and_stop"
}

// EvaluatorConfig bounds one evaluation pass.
type EvaluatorConfig struct {
	Concurrency int           // start-token partitions evaluated in parallel
	CallTimeout time.Duration // budget of a single simulation call
	Policy      MaxProfitPolicy
}

// DefaultEvaluatorConfig returns the defaults used when nothing is configured
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		Concurrency: 16,
		CallTimeout: 250 * time.Millisecond,
		Policy:      RetainAndStop,
	}
}

// EvaluationStats counts what happened during one pass.
type EvaluationStats struct {
	Simulated int64 // simulation calls issued
	Failed    int64 // calls that reverted, timed out or returned garbage
	Selected  int   // routes in the result
}

// Evaluator selects the most profitable route per start token out of a candidate list.
type Evaluator struct {
	config EvaluatorConfig
}

// NewEvaluator creates an Evaluator, filling zero fields with defaults
func NewEvaluator(config EvaluatorConfig) *Evaluator {
	defaults := DefaultEvaluatorConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	return &Evaluator{config: config}
}

// Config returns the evaluator configuration
func (e *Evaluator) Config() EvaluatorConfig {
	return e.config
}

type partition struct {
	start  common.Address
	routes []models.RoutePath
}

/*
Evaluate simulates every candidate against snapshot with code bound at the deployed address and
returns at most one route per start token, ordered by first appearance of the start token.

Per candidate, in candidate order:
 1. simulate; failures (revert, timeout, malformed return) drop the candidate
 2. drop it unless its profit is strictly greater than the best so far for its start token
 3. drop it if profit < minProfit
 4. record it; under RetainAndStop a profit >= maxProfit ends that start token's evaluation

Candidates sharing a start token are evaluated sequentially by one worker, different start tokens
run in parallel up to Concurrency, and results are merged by partition index, so the output does
not depend on scheduling. Empty code or an empty candidate list returns nil without simulating.
*/
func (e *Evaluator) Evaluate(
	ctx context.Context,
	snapshot Snapshot,
	code []byte,
	candidates []models.RoutePath,
	minProfit, maxProfit uint64,
) ([]models.RouteOpportunity, EvaluationStats, error) {
	var stats EvaluationStats
	if len(code) == 0 || len(candidates) == 0 {
		return nil, stats, nil
	}

	ctx, span := tracer.Start(ctx, "router.Evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.Int("searcher.candidates", len(candidates)),
		attribute.String("searcher.min_profit", strconv.FormatUint(minProfit, 10)),
		attribute.String("searcher.max_profit", strconv.FormatUint(maxProfit, 10)),
	)

	sim, err := snapshot.Bind(code)
	if err != nil {
		span.RecordError(err)
		return nil, stats, fmt.Errorf("failed to bind contract to snapshot: %w", err)
	}

	partitions := partitionByStart(candidates)
	best := make([]*models.RouteOpportunity, len(partitions))
	floor := uint256.NewInt(minProfit)
	ceiling := uint256.NewInt(maxProfit)

	var simulated, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.config.Concurrency)

	for i := range partitions {
		g.Go(func() error {
			p := partitions[i]
			var current *models.RouteOpportunity
			for _, route := range p.routes {
				if ctx.Err() != nil {
					break
				}
				simulated.Add(1)
				profit, err := e.simulateRoute(ctx, sim, route)
				if err != nil {
					failed.Add(1)
					routerLog.Debug().
						Err(err).
						Str("start_token", p.start.Hex()).
						Int("hops", len(route.Hops)).
						Msg("Simulation failed, skipping candidate")
					continue
				}

				if current != nil && !profit.Gt(current.Profit) {
					continue
				}
				if profit.Lt(floor) {
					continue
				}
				if e.config.Policy == CapAtMax && profit.Gt(ceiling) {
					continue
				}

				current = &models.RouteOpportunity{Route: route, Profit: profit}
				if e.config.Policy == RetainAndStop && !profit.Lt(ceiling) {
					break
				}
			}
			best[i] = current
			return nil
		})
	}
	_ = g.Wait()

	var result []models.RouteOpportunity
	for _, opportunity := range best {
		if opportunity != nil {
			result = append(result, *opportunity)
		}
	}

	stats.Simulated = simulated.Load()
	stats.Failed = failed.Load()
	stats.Selected = len(result)
	span.SetAttributes(
		attribute.Int64("searcher.simulated", stats.Simulated),
		attribute.Int64("searcher.failed", stats.Failed),
		attribute.Int("searcher.selected", stats.Selected),
	)

	return result, stats, nil
}

func (e *Evaluator) simulateRoute(ctx context.Context, sim Simulator, route models.RoutePath) (*uint256.Int, error) {
	input, err := codec.EncodeRoute(route)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()

	output, err := sim.Call(callCtx, input)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("simulation exceeded %s: %w", e.config.CallTimeout, err)
		}
		return nil, err
	}
	return codec.DecodeProfit(output)
}

func partitionByStart(candidates []models.RoutePath) []partition {
	index := make(map[common.Address]int)
	var partitions []partition
	for _, route := range candidates {
		start := route.StartToken()
		i, ok := index[start]
		if !ok {
			i = len(partitions)
			index[start] = i
			partitions = append(partitions, partition{start: start})
		}
		partitions[i].routes = append(partitions[i].routes, route)
	}
	return partitions
}
