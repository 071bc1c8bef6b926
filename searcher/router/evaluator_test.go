package router_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/codec"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/router"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/zeebo/assert"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// tableSnapshot answers every call from a profit table keyed by the route's first-hop dexType.
// Routes below are built so that the first-hop dexType is unique per test case.
type tableSnapshot struct {
	profits map[uint8]uint64
	fail    map[uint8]error
	stall   map[uint8]bool
	short   map[uint8]bool

	mu      sync.Mutex
	order   []uint8
	calls   atomic.Int64
	bindErr error
}

func (s *tableSnapshot) Bind(code []byte) (router.Simulator, error) {
	if s.bindErr != nil {
		return nil, s.bindErr
	}
	return s, nil
}

func (s *tableSnapshot) Call(ctx context.Context, input []byte) ([]byte, error) {
	s.calls.Add(1)
	// word 3 of the calldata holds the first hop's dexType
	dexType := input[0x60+31]

	s.mu.Lock()
	s.order = append(s.order, dexType)
	s.mu.Unlock()

	if s.stall[dexType] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := s.fail[dexType]; err != nil {
		return nil, err
	}
	if s.short[dexType] {
		return []byte{1}, nil
	}
	return uint256.NewInt(s.profits[dexType]).PaddedBytes(32), nil
}

var contract = []byte{0x60, 0x00}

// candidate builds a 2-hop route from start through weth whose first hop carries tag as dexType.
func candidate(start common.Address, tag uint8) models.RoutePath {
	return models.RoutePath{Hops: []models.Hop{
		{DexType: tag, Dex: dexX.Address, SrcToken: start, DstToken: weth},
		{DexType: 0, Dex: dexY.Address, SrcToken: weth, DstToken: start},
	}}
}

func evaluate(t *testing.T, cfg router.EvaluatorConfig, snapshot router.Snapshot, candidates []models.RoutePath, minProfit, maxProfit uint64) ([]models.RouteOpportunity, router.EvaluationStats) {
	t.Helper()
	result, stats, err := router.NewEvaluator(cfg).Evaluate(context.Background(), snapshot, contract, candidates, minProfit, maxProfit)
	assert.NoError(t, err)
	return result, stats
}

func TestEvaluateHigherProfitSupersedes(t *testing.T) {
	snapshot := &tableSnapshot{profits: map[uint8]uint64{1: 500, 2: 1500}}
	r1, r2 := candidate(usdc, 1), candidate(usdc, 2)

	result, stats := evaluate(t, router.DefaultEvaluatorConfig(), snapshot, []models.RoutePath{r1, r2}, 400, 2000)

	assert.Equal(t, len(result), 1)
	assert.Equal(t, result[0].Route.Key(), r2.Key())
	assert.Equal(t, result[0].Profit.Uint64(), uint64(1500))
	assert.Equal(t, stats.Simulated, int64(2))
	assert.Equal(t, stats.Selected, 1)
}

func TestEvaluateLowerProfitLater(t *testing.T) {
	snapshot := &tableSnapshot{profits: map[uint8]uint64{1: 1500, 2: 500}}
	r1, r2 := candidate(usdc, 1), candidate(usdc, 2)

	result, _ := evaluate(t, router.DefaultEvaluatorConfig(), snapshot, []models.RoutePath{r1, r2}, 400, 2000)

	assert.Equal(t, len(result), 1)
	assert.Equal(t, result[0].Route.Key(), r1.Key())
}

func TestEvaluateEqualProfitKeepsFirst(t *testing.T) {
	snapshot := &tableSnapshot{profits: map[uint8]uint64{1: 700, 2: 700}}
	r1, r2 := candidate(usdc, 1), candidate(usdc, 2)

	result, _ := evaluate(t, router.DefaultEvaluatorConfig(), snapshot, []models.RoutePath{r1, r2}, 400, 2000)

	assert.Equal(t, len(result), 1)
	assert.Equal(t, result[0].Route.Key(), r1.Key())
}

func TestEvaluateMinProfitBoundary(t *testing.T) {
	tests := []struct {
		name     string
		profit   uint64
		retained bool
	}{
		{"equal to min is kept", 500, true},
		{"one below min is dropped", 499, false},
		{"zero is dropped", 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			snapshot := &tableSnapshot{profits: map[uint8]uint64{1: tc.profit}}
			result, _ := evaluate(t, router.DefaultEvaluatorConfig(), snapshot, []models.RoutePath{candidate(usdc, 1)}, 500, 1000)
			assert.Equal(t, len(result) == 1, tc.retained)
		})
	}
}

func TestEvaluateMaxProfitStopsStartToken(t *testing.T) {
	snapshot := &tableSnapshot{profits: map[uint8]uint64{1: 600, 2: 1000, 3: 5000, 4: 800}}
	candidates := []models.RoutePath{
		candidate(usdc, 1),
		candidate(usdc, 2),
		candidate(usdc, 3),
		candidate(usdt, 4),
	}

	result, stats := evaluate(t, router.DefaultEvaluatorConfig(), snapshot, candidates, 500, 1000)

	assert.Equal(t, len(result), 2)
	assert.Equal(t, result[0].Route.Key(), candidates[1].Key())
	assert.Equal(t, result[0].Profit.Uint64(), uint64(1000))
	// other start tokens are unaffected
	assert.Equal(t, result[1].Route.Key(), candidates[3].Key())
	// candidate 3 was never simulated
	assert.Equal(t, stats.Simulated, int64(3))
	for _, tag := range snapshot.order {
		assert.True(t, tag != 3)
	}
}

func TestEvaluateCapPolicy(t *testing.T) {
	snapshot := &tableSnapshot{profits: map[uint8]uint64{1: 600, 2: 5000, 3: 900}}
	candidates := []models.RoutePath{candidate(usdc, 1), candidate(usdc, 2), candidate(usdc, 3)}

	cfg := router.DefaultEvaluatorConfig()
	cfg.Policy = router.CapAtMax
	result, stats := evaluate(t, cfg, snapshot, candidates, 500, 1000)

	assert.Equal(t, len(result), 1)
	assert.Equal(t, result[0].Route.Key(), candidates[2].Key())
	assert.Equal(t, stats.Simulated, int64(3))
}

func TestEvaluateEmptyContract(t *testing.T) {
	snapshot := &tableSnapshot{profits: map[uint8]uint64{1: 900}}
	result, stats, err := router.NewEvaluator(router.DefaultEvaluatorConfig()).
		Evaluate(context.Background(), snapshot, nil, []models.RoutePath{candidate(usdc, 1)}, 0, 1000)

	assert.NoError(t, err)
	assert.Equal(t, len(result), 0)
	assert.Equal(t, stats.Simulated, int64(0))
	assert.Equal(t, snapshot.calls.Load(), int64(0))
}

func TestEvaluateEmptyCandidates(t *testing.T) {
	snapshot := &tableSnapshot{}
	result, stats := evaluate(t, router.DefaultEvaluatorConfig(), snapshot, nil, 0, 1000)
	assert.Equal(t, len(result), 0)
	assert.Equal(t, stats.Simulated, int64(0))
	assert.Equal(t, snapshot.calls.Load(), int64(0))
}

func TestEvaluateSkipsFailures(t *testing.T) {
	snapshot := &tableSnapshot{
		profits: map[uint8]uint64{3: 700},
		fail:    map[uint8]error{1: errors.New("execution reverted")},
		short:   map[uint8]bool{2: true},
	}
	candidates := []models.RoutePath{candidate(usdc, 1), candidate(usdc, 2), candidate(usdc, 3)}

	result, stats := evaluate(t, router.DefaultEvaluatorConfig(), snapshot, candidates, 500, 1000)

	assert.Equal(t, len(result), 1)
	assert.Equal(t, result[0].Route.Key(), candidates[2].Key())
	assert.Equal(t, stats.Failed, int64(2))
	assert.Equal(t, stats.Simulated, int64(3))
}

func TestEvaluateTimeoutIsPerCandidate(t *testing.T) {
	snapshot := &tableSnapshot{
		profits: map[uint8]uint64{2: 800},
		stall:   map[uint8]bool{1: true},
	}
	candidates := []models.RoutePath{candidate(usdc, 1), candidate(usdc, 2)}

	cfg := router.DefaultEvaluatorConfig()
	cfg.CallTimeout = 10 * time.Millisecond

	start := time.Now()
	result, stats := evaluate(t, cfg, snapshot, candidates, 500, 1000)

	assert.True(t, time.Since(start) < 5*time.Second)
	assert.Equal(t, len(result), 1)
	assert.Equal(t, result[0].Route.Key(), candidates[1].Key())
	assert.Equal(t, stats.Failed, int64(1))
}

func TestEvaluateBindError(t *testing.T) {
	snapshot := &tableSnapshot{bindErr: errors.New("state unavailable")}
	_, _, err := router.NewEvaluator(router.DefaultEvaluatorConfig()).
		Evaluate(context.Background(), snapshot, contract, []models.RoutePath{candidate(usdc, 1)}, 0, 1000)
	assert.Error(t, err)
	assert.Equal(t, snapshot.calls.Load(), int64(0))
}

func TestEvaluateBestPerStartTokenAndOrder(t *testing.T) {
	starts := []common.Address{usdt, usdc, link}
	profits := map[uint8]uint64{}
	var candidates []models.RoutePath
	tag := uint8(1)
	for round := 0; round < 4; round++ {
		for _, start := range starts {
			profits[tag] = uint64(100 + (int(tag)*37)%400)
			candidates = append(candidates, candidate(start, tag))
			tag++
		}
	}

	cfg := router.DefaultEvaluatorConfig()
	cfg.Concurrency = 3
	snapshot := &tableSnapshot{profits: profits}
	result, _ := evaluate(t, cfg, snapshot, candidates, 150, 10_000)

	assert.Equal(t, len(result), len(starts))
	for i, opportunity := range result {
		assert.Equal(t, opportunity.Route.StartToken(), starts[i])
		for _, c := range candidates {
			if c.StartToken() != starts[i] {
				continue
			}
			p := profits[c.Hops[0].DexType]
			if p >= 150 {
				assert.True(t, opportunity.Profit.Uint64() >= p)
			}
		}
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	profits := map[uint8]uint64{}
	var candidates []models.RoutePath
	for tag := uint8(1); tag <= 30; tag++ {
		profits[tag] = uint64(tag) * 53 % 1200
		start := usdc
		if tag%2 == 0 {
			start = usdt
		}
		candidates = append(candidates, candidate(start, tag))
	}

	snapshot := &tableSnapshot{profits: profits}
	first, _ := evaluate(t, router.DefaultEvaluatorConfig(), snapshot, candidates, 300, 1100)
	second, _ := evaluate(t, router.DefaultEvaluatorConfig(), snapshot, candidates, 300, 1100)

	a, err := codec.EncodeBatch(models.RouteBatch{Routes: first})
	assert.NoError(t, err)
	b, err := codec.EncodeBatch(models.RouteBatch{Routes: second})
	assert.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestParseMaxProfitPolicy(t *testing.T) {
	policy, err := router.ParseMaxProfitPolicy("")
	assert.NoError(t, err)
	assert.Equal(t, policy, router.RetainAndStop)

	policy, err = router.ParseMaxProfitPolicy("Cap")
	assert.NoError(t, err)
	assert.Equal(t, policy, router.CapAtMax)
	assert.Equal(t, policy.String(), "cap")

	_, err = router.ParseMaxProfitPolicy("drop")
	assert.Error(t, err)
}

func TestNewEvaluatorDefaults(t *testing.T) {
	cfg := router.NewEvaluator(router.EvaluatorConfig{}).Config()
	assert.Equal(t, cfg.Concurrency, 16)
	assert.Equal(t, cfg.CallTimeout, 250*time.Millisecond)
	assert.Equal(t, cfg.Policy, router.RetainAndStop)
}

func TestEvaluateSpanKeepsFullProfitRange(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	snapshot := &tableSnapshot{profits: map[uint8]uint64{1: 500}}
	evaluate(t, router.DefaultEvaluatorConfig(), snapshot, []models.RoutePath{candidate(usdc, 1)}, 400, math.MaxUint64)

	spans := recorder.Ended()
	assert.Equal(t, len(spans), 1)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, attrs["searcher.min_profit"].AsString(), "400")
	assert.Equal(t, attrs["searcher.max_profit"].AsString(), "18446744073709551615")
}
