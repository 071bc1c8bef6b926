package rpc_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"connectrpc.com/connect"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/extension"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/repository"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/router"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/rpc"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/zeebo/assert"
)

const chainID = 10

const (
	tokenA = "0x00000000000000000000000000000000000000a1"
	tokenB = "0x00000000000000000000000000000000000000b1"
	tokenC = "0x00000000000000000000000000000000000000c1"
	dexX   = "0x00000000000000000000000000000000000000d1"
	dexY   = "0x00000000000000000000000000000000000000d2"
)

// failingStore wraps a real store and fails the writes on demand.
type failingStore struct {
	rpc.Store
	failContract bool
	failRoutes   bool
	// failReads makes that many GetTokens calls fail after the next successful route write
	failReads int
	pending   int
}

func (s *failingStore) GetTokens(ctx context.Context, chainID uint64) ([]models.Token, error) {
	if s.pending > 0 {
		s.pending--
		return nil, errors.New("connection reset")
	}
	return s.Store.GetTokens(ctx, chainID)
}

func (s *failingStore) UpsertContract(ctx context.Context, chainID uint64, code []byte) error {
	if s.failContract {
		return errors.New("disk full")
	}
	return s.Store.UpsertContract(ctx, chainID, code)
}

func (s *failingStore) UpdateRoutePaths(ctx context.Context, chainID uint64, update repository.RouteUpdate) error {
	if s.failRoutes {
		return errors.New("deadlock detected")
	}
	if err := s.Store.UpdateRoutePaths(ctx, chainID, update); err != nil {
		return err
	}
	s.pending = s.failReads
	return nil
}

type fixedHeight uint64

func (h fixedHeight) LastFinishedHeight() uint64 { return uint64(h) }

type harness struct {
	repo   *repository.Repository
	store  *failingStore
	state  *extension.State
	client *rpc.Client
	url    string
}

func newHarness(t *testing.T, maxCandidates int, ready func(context.Context) error) *harness {
	t.Helper()
	repo, err := repository.Open(context.Background(), "sqlite::memory:")
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	store := &failingStore{Store: repo}
	state := extension.NewState()
	searcher := rpc.NewSearcherServer(rpc.SearcherServerConfig{
		ChainID:            chainID,
		MaxRouteCandidates: maxCandidates,
		Policy:             router.RetainAndStop,
	}, store, state, fixedHeight(42))

	server, err := rpc.NewServer(context.Background(), &rpc.ServerConfig{
		Address:        "127.0.0.1:0",
		AllowedOrigins: []string{"*"},
		Ready:          ready,
	}, searcher)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		repo:   repo,
		store:  store,
		state:  state,
		client: rpc.NewClient(ts.Client(), ts.URL),
		url:    ts.URL,
	}
}

func seedUniverse() *rpc.UpdateRoutePathsRequest {
	return &rpc.UpdateRoutePathsRequest{
		NewTokens: []rpc.TokenInput{
			{Address: tokenA, Priority: int(models.PriorityBeginning)},
			{Address: tokenB, Priority: int(models.PriorityHigh)},
			{Address: tokenC, Priority: int(models.PriorityLow)},
		},
		NewDexs: []rpc.DexInput{
			{Address: dexX, DexType: 1},
			{Address: dexY, DexType: 2},
		},
	}
}

func TestGetStatus_Defaults(t *testing.T) {
	h := newHarness(t, 0, nil)

	status, err := h.client.GetStatus(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, status.ChainID, uint64(chainID))
	assert.Equal(t, status.CodeSize, 0)
	assert.Equal(t, status.MinProfit, uint64(500))
	assert.Equal(t, status.MaxProfit, uint64(1000))
	assert.Equal(t, status.MinProfitPercent, "0.05")
	assert.Equal(t, status.MaxProfitPercent, "0.1")
	assert.Equal(t, status.MaxProfitPolicy, "retain_and_stop")
	assert.Equal(t, status.Candidates, 0)
	assert.Equal(t, status.FinishedHeight, uint64(42))
}

func TestUpdateCode_PersistsThenSwaps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0, nil)

	resp, err := h.client.UpdateCode(ctx, &rpc.UpdateCodeRequest{Bytecode: "0x60016000f3"})
	assert.NoError(t, err)
	assert.Equal(t, resp.CodeSize, 5)

	code := []byte{0x60, 0x01, 0x60, 0x00, 0xf3}
	assert.Equal(t, resp.CodeHash, crypto.Keccak256Hash(code).Hex())
	assert.Equal(t, len(h.state.Snapshot().Contract), 5)

	stored, err := h.repo.GetContract(ctx, chainID)
	assert.NoError(t, err)
	assert.Equal(t, len(stored), 5)
}

func TestUpdateCode_InvalidHex(t *testing.T) {
	h := newHarness(t, 0, nil)

	_, err := h.client.UpdateCode(context.Background(), &rpc.UpdateCodeRequest{Bytecode: "0xnothex"})
	assert.Error(t, err)
	assert.Equal(t, connect.CodeOf(err), connect.CodeInvalidArgument)
	assert.Equal(t, h.state.Snapshot().Version, uint64(0))

	_, err = h.repo.GetContract(context.Background(), chainID)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestUpdateCode_StoreFailureKeepsState(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.state.UpdateCode([]byte{0x00})
	h.store.failContract = true

	_, err := h.client.UpdateCode(context.Background(), &rpc.UpdateCodeRequest{Bytecode: "0x60016000f3"})
	assert.Equal(t, connect.CodeOf(err), connect.CodeInternal)
	assert.Equal(t, len(h.state.Snapshot().Contract), 1)
}

func TestUpdateProfitRate_Partial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0, nil)

	minProfit := uint64(100)
	resp, err := h.client.UpdateProfitRate(ctx, &rpc.UpdateProfitRateRequest{MinProfit: &minProfit})
	assert.NoError(t, err)
	assert.Equal(t, resp.MinProfit, uint64(100))
	assert.Equal(t, resp.MaxProfit, uint64(1000))

	maxProfit := uint64(5000)
	resp, err = h.client.UpdateProfitRate(ctx, &rpc.UpdateProfitRateRequest{MaxProfit: &maxProfit})
	assert.NoError(t, err)
	assert.Equal(t, resp.MinProfit, uint64(100))
	assert.Equal(t, resp.MaxProfit, uint64(5000))

	status, err := h.client.GetStatus(ctx)
	assert.NoError(t, err)
	assert.Equal(t, status.MaxProfitPercent, "0.5")
}

func TestUpdateProfitRate_RejectsInvertedRange(t *testing.T) {
	h := newHarness(t, 0, nil)

	minProfit := uint64(2000)
	_, err := h.client.UpdateProfitRate(context.Background(), &rpc.UpdateProfitRateRequest{MinProfit: &minProfit})
	assert.Equal(t, connect.CodeOf(err), connect.CodeInvalidArgument)

	snapshot := h.state.Snapshot()
	assert.Equal(t, snapshot.MinProfit, uint64(500))
	assert.Equal(t, snapshot.MaxProfit, uint64(1000))
}

func TestUpdateRoutePaths_RegeneratesCandidates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0, nil)

	resp, err := h.client.UpdateRoutePaths(ctx, seedUniverse())
	assert.NoError(t, err)
	assert.Equal(t, resp.Tokens, 3)
	assert.Equal(t, resp.Dexs, 2)
	// 1 beginning * 2 others * 2 * 1 ordered dex pairs, no 3-hop routes with 2 dexes
	assert.Equal(t, resp.Candidates, 4)
	assert.Equal(t, len(h.state.Snapshot().Routes), 4)

	for _, route := range h.state.Snapshot().Routes {
		assert.NoError(t, route.Validate(nil))
	}

	resp, err = h.client.UpdateRoutePaths(ctx, &rpc.UpdateRoutePathsRequest{
		DeprecatedTokens: []string{tokenC},
	})
	assert.NoError(t, err)
	assert.Equal(t, resp.Tokens, 2)
	assert.Equal(t, resp.Candidates, 2)
	assert.Equal(t, len(h.state.Snapshot().Routes), 2)
}

func TestUpdateRoutePaths_InvalidInput(t *testing.T) {
	h := newHarness(t, 0, nil)

	cases := []*rpc.UpdateRoutePathsRequest{
		{NewTokens: []rpc.TokenInput{{Address: tokenA, Priority: 6}}},
		{NewTokens: []rpc.TokenInput{{Address: tokenA, Priority: -1}}},
		{NewTokens: []rpc.TokenInput{{Address: "0x1234", Priority: 0}}},
		{NewDexs: []rpc.DexInput{{Address: dexX, DexType: 256}}},
		{DeprecatedDexs: []string{"nope"}},
	}
	for i, req := range cases {
		_, err := h.client.UpdateRoutePaths(context.Background(), req)
		if connect.CodeOf(err) != connect.CodeInvalidArgument {
			t.Fatalf("case %d: expected invalid argument, got %v", i, err)
		}
	}

	tokens, err := h.repo.GetTokens(context.Background(), chainID)
	assert.NoError(t, err)
	assert.Equal(t, len(tokens), 0)
}

func TestUpdateRoutePaths_CandidateBound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3, nil)

	_, err := h.client.UpdateRoutePaths(ctx, seedUniverse())
	assert.Equal(t, connect.CodeOf(err), connect.CodeResourceExhausted)

	// nothing was written and nothing was swapped
	tokens, err := h.repo.GetTokens(ctx, chainID)
	assert.NoError(t, err)
	assert.Equal(t, len(tokens), 0)
	assert.Equal(t, h.state.Snapshot().Version, uint64(0))
}

func TestUpdateRoutePaths_StoreFailureKeepsCandidates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0, nil)

	_, err := h.client.UpdateRoutePaths(ctx, seedUniverse())
	assert.NoError(t, err)
	before := h.state.Snapshot()

	h.store.failRoutes = true
	_, err = h.client.UpdateRoutePaths(ctx, &rpc.UpdateRoutePathsRequest{DeprecatedDexs: []string{dexY}})
	assert.Equal(t, connect.CodeOf(err), connect.CodeInternal)

	after := h.state.Snapshot()
	assert.Equal(t, after.Version, before.Version)
	assert.Equal(t, len(after.Routes), 4)
}

func TestUpdateRoutePaths_RetriesReread(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.store.failReads = 2

	resp, err := h.client.UpdateRoutePaths(context.Background(), seedUniverse())
	assert.NoError(t, err)
	assert.Equal(t, resp.Candidates, 4)
	assert.Equal(t, len(h.state.Snapshot().Routes), 4)
}

func TestUpdateRoutePaths_RereadFailureThenResync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0, nil)
	h.store.failReads = 10

	_, err := h.client.UpdateRoutePaths(ctx, seedUniverse())
	assert.Equal(t, connect.CodeOf(err), connect.CodeInternal)

	// the write committed, the candidates did not move
	tokens, err := h.repo.GetTokens(ctx, chainID)
	assert.NoError(t, err)
	assert.Equal(t, len(tokens), 3)
	assert.Equal(t, len(h.state.Snapshot().Routes), 0)

	// an empty update regenerates from the store
	h.store.failReads = 0
	h.store.pending = 0
	resp, err := h.client.UpdateRoutePaths(ctx, &rpc.UpdateRoutePathsRequest{})
	assert.NoError(t, err)
	assert.Equal(t, resp.Candidates, 4)
	assert.Equal(t, len(h.state.Snapshot().Routes), 4)
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t, 0, func(context.Context) error { return errors.New("node not connected") })

	resp, err := http.Get(h.url + "/server/health")
	assert.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	resp, err = http.Get(h.url + "/server/ready")
	assert.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusServiceUnavailable)
}

func TestControlResponsesAreNotCached(t *testing.T) {
	h := newHarness(t, 0, nil)

	resp, err := http.Post(h.url+rpc.GetStatusProcedure, "application/json", strings.NewReader("{}"))
	assert.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, resp.Header.Get("Cache-Control"), "no-store")
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, 0, nil)

	req, err := http.NewRequest(http.MethodOptions, h.url+rpc.UpdateCodeProcedure, nil)
	assert.NoError(t, err)
	req.Header.Set("Origin", "http://ops.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "connect-protocol-version,content-type")

	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, resp.Header.Get("Access-Control-Allow-Origin"), "*")
	assert.Equal(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)

	// gRPC-Web headers are not part of the control surface
	req.Header.Set("Access-Control-Request-Headers", "content-type,x-grpc-web")
	resp, err = http.DefaultClient.Do(req)
	assert.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, resp.Header.Get("Access-Control-Allow-Origin"), "")
}

func TestLoadUniverse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0, nil)

	_, err := h.client.UpdateRoutePaths(ctx, seedUniverse())
	assert.NoError(t, err)

	tokens, dexs, err := rpc.LoadUniverse(ctx, h.repo, chainID)
	assert.NoError(t, err)
	assert.Equal(t, len(tokens), 3)
	assert.Equal(t, len(dexs), 2)
	assert.Equal(t, tokens[0].Priority, models.PriorityBeginning)
}
