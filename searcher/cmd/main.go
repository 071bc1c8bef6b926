package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/codec"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/config"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/extension"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/node"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/repository"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/router"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/rpc"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/simulate"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/transport"
	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Logger()
	shareLogger(log)
}

// shareLogger hands l to every package
func shareLogger(l zerolog.Logger) {
	rpc.SetLogger(l)
	router.SetLogger(l)
	simulate.SetLogger(l)
	extension.SetLogger(l)
	repository.SetLogger(l)
	transport.SetLogger(l)
	node.SetLogger(l)
}

func main() {
	configPath := flag.String("config", "", "toml config file; when empty the config is read from SEARCHER_* env vars")
	logLevel := flag.String("log-level", "info", "trace, debug, info, warn or error")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	var cfgPath *string
	if *configPath != "" {
		cfgPath = configPath
	}
	cfg, err := config.LoadSearcherConfig(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load searcher config")
	}

	log.Info().
		Uint64("chain_id", cfg.ChainID).
		Str("node", cfg.NodeURL).
		Str("output", cfg.OutputNetwork+"://"+cfg.OutputAddress).
		Msg("Starting Spectra Searcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := repository.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer repo.Close()

	state, err := bootstrapState(ctx, cfg, repo)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap extension state")
	}

	policy, err := router.ParseMaxProfitPolicy(cfg.MaxProfitPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid max profit policy")
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	conn, err := node.Dial(dialCtx, cfg.NodeURL, cfg.ChainID)
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to node")
	}
	defer conn.Close()

	sender, err := transport.NewDatagramSender(cfg.OutputNetwork, cfg.OutputAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open output transport")
	}
	defer sender.Close()

	// The RPC server installs the OpenTelemetry providers, so it is built before the loop
	// creates its instruments.
	var loop *extension.Loop
	heights := heightFunc(func() uint64 {
		if loop == nil {
			return 0
		}
		return loop.LastFinishedHeight()
	})
	searcher := rpc.NewSearcherServer(rpc.SearcherServerConfig{
		ChainID:            cfg.ChainID,
		MaxRouteCandidates: cfg.MaxRouteCandidates,
		Policy:             policy,
	}, repo, state, heights)

	serverConfig := buildServerConfig(cfg)
	serverConfig.Ready = func(ctx context.Context) error {
		return repo.Ping(ctx)
	}
	server, err := rpc.NewServer(ctx, serverConfig, searcher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create RPC server")
	}
	if cfg.EnableLogs {
		log = log.Hook(rpc.NewOTelLogHook(defaultString(cfg.ServiceName, "spectra-searcher")))
		shareLogger(log)
		log.Info().Msg("Mirroring logs to OpenTelemetry")
	}

	evaluator := router.NewEvaluator(router.EvaluatorConfig{
		Concurrency: cfg.SimulationConcurrency,
		CallTimeout: cfg.SimulationTimeout,
		Policy:      policy,
	})
	provider := simulate.NewRemoteProvider(conn.RPC, cfg.SimulationGasLimit)
	loop = extension.NewLoop(state, provider, evaluator, sender, extension.LoopConfig{ForwardQueue: cfg.ForwardQueue})

	feed := node.NewFeed(conn.Eth, node.FeedConfig{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			sigCh <- syscall.SIGTERM
		}
	}()

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- loop.Run(ctx, feed.Run(ctx), feed)
	}()

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
		<-loopDone
	case err := <-loopDone:
		// the feed only closes with ctx, so this is a loop failure
		log.Error().Err(err).Msg("Update loop stopped")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}

	log.Info().
		Uint64("finished_height", loop.LastFinishedHeight()).
		Msg("Searcher stopped")
}

type heightFunc func() uint64

func (f heightFunc) LastFinishedHeight() uint64 { return f() }

/*
bootstrapState prepares the extension state before the first block:

 1. upsert the universe seed file, if configured
 2. persist the configured bytecode, or load the stored one
 3. read the universe, generate candidates and apply the profit bounds
*/
func bootstrapState(ctx context.Context, cfg *config.SearcherConfig, repo *repository.Repository) (*extension.State, error) {
	if cfg.UniverseSeed != "" {
		tokens, dexs, err := config.LoadUniverseSeed(cfg.UniverseSeed)
		if err != nil {
			return nil, err
		}
		if err := repo.UpdateRoutePaths(ctx, cfg.ChainID, repository.RouteUpdate{NewTokens: tokens, NewDexs: dexs}); err != nil {
			return nil, fmt.Errorf("failed to seed universe: %w", err)
		}
		log.Info().Int("tokens", len(tokens)).Int("dexs", len(dexs)).Str("file", cfg.UniverseSeed).Msg("Universe seeded")
	}

	var code []byte
	if cfg.Bytecode != "" {
		parsed, err := codec.ParseBytecode(cfg.Bytecode)
		if err != nil {
			return nil, err
		}
		if err := repo.UpsertContract(ctx, cfg.ChainID, parsed); err != nil {
			return nil, err
		}
		code = parsed
	} else {
		stored, err := repo.GetContract(ctx, cfg.ChainID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			log.Warn().Msg("No contract configured or stored, evaluation stays off until UpdateCode")
		case err != nil:
			return nil, err
		default:
			code = stored
		}
	}

	tokens, dexs, err := rpc.LoadUniverse(ctx, repo, cfg.ChainID)
	if err != nil {
		return nil, err
	}
	if count := router.CountUniverse(dexs, tokens); count > cfg.MaxRouteCandidates {
		return nil, fmt.Errorf("stored universe yields %d route candidates, limit is %d", count, cfg.MaxRouteCandidates)
	}
	routes := router.Generate(dexs, tokens)

	state := extension.NewState()
	state.UpdateCode(code)
	state.UpdateRouteCandidates(routes)
	if _, err := state.UpdateProfitRate(&cfg.MinProfit, &cfg.MaxProfit); err != nil {
		return nil, err
	}

	log.Info().
		Int("tokens", len(tokens)).
		Int("dexs", len(dexs)).
		Int("candidates", len(routes)).
		Int("code_size", len(code)).
		Msg("Extension state ready")
	return state, nil
}

// buildServerConfig converts the loaded SearcherConfig to rpc.ServerConfig
func buildServerConfig(cfg *config.SearcherConfig) *rpc.ServerConfig {
	serverConfig := &rpc.ServerConfig{
		Address:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		AllowedOrigins: cfg.AllowedOrigins,
		EnableMetrics:  cfg.UsePrometheus,
	}

	if cfg.RatePerMinute > 0 {
		serverConfig.RatePerMinute = &cfg.RatePerMinute
	}
	if cfg.MaxConcurrentRequests > 0 {
		serverConfig.MaxConcurrentRequests = &cfg.MaxConcurrentRequests
	}

	if cfg.EnableTracing || cfg.EnableMetrics || cfg.EnableLogs || cfg.UsePrometheus {
		serverConfig.OTelConfig = &rpc.OTelConfig{
			ServiceName:     defaultString(cfg.ServiceName, "spectra-searcher"),
			ServiceVersion:  defaultString(cfg.ServiceVersion, "1.0.0"),
			Environment:     defaultString(cfg.Environment, "development"),
			EnableTracing:   cfg.EnableTracing,
			UseOTLPTraces:   cfg.UseOTLPTraces,
			OTLPTracesURL:   cfg.OTLPTracesURL,
			EnableMetrics:   cfg.EnableMetrics || cfg.UsePrometheus,
			UsePrometheus:   cfg.UsePrometheus,
			UseOTLPMetrics:  cfg.UseOTLPMetrics,
			OTLPMetricsURL:  cfg.OTLPMetricsURL,
			EnableLogs:      cfg.EnableLogs,
			UseOTLPLogs:     cfg.UseOTLPLogs,
			OTLPLogsURL:     cfg.OTLPLogsURL,
			InsecureOTLP:    cfg.InsecureOTLP,
			DevelopmentMode: cfg.DevelopmentMode,
		}
	}

	return serverConfig
}

// defaultString returns the default value if s is empty
func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
