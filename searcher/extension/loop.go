package extension

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/router"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var extensionLog zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	extensionLog = zerolog.New(out).With().Timestamp().Str("component", "extension").Logger()
}

// SetLogger allows setting a custom logger
func SetLogger(l zerolog.Logger) {
	extensionLog = l.With().Str("component", "extension").Logger()
}

// SnapshotProvider hands out a read-only state view pinned to a committed block.
type SnapshotProvider interface {
	StateAt(ctx context.Context, block models.ChainCommitted) (router.Snapshot, error)
}

// Forwarder delivers one batch to the downstream consumer. Delivery is best-effort.
type Forwarder interface {
	Send(ctx context.Context, batch models.RouteBatch) error
}

// HeightSink receives the "finished height" acknowledgment for every processed block.
type HeightSink interface {
	FinishedHeight(height uint64)
}

// HeightSinkFunc adapts a function to a HeightSink.
type HeightSinkFunc func(height uint64)

func (f HeightSinkFunc) FinishedHeight(height uint64) { f(height) }

// PassResult describes what the loop did for one block.
type PassResult struct {
	PassID     uuid.UUID
	Height     uint64
	Skipped    string // non-empty when evaluation did not run
	Stats      router.EvaluationStats
	Forwarded  bool
	Candidates int
}

// LoopConfig tunes the update loop.
type LoopConfig struct {
	// ForwardTimeout bounds a single asynchronous send.
	ForwardTimeout time.Duration
	// ForwardQueue is the number of batches waiting for the output transport. When the queue is
	// full new batches are dropped. Defaults to 64.
	ForwardQueue int
	// OnPass, if set, is called synchronously after every pass, before the acknowledgment.
	OnPass func(PassResult)
}

// Loop re-evaluates the route candidates on every block commit and forwards the winners.
type Loop struct {
	state     *State
	provider  SnapshotProvider
	evaluator *router.Evaluator
	forwarder Forwarder
	config    LoopConfig
	metrics   *loopMetrics

	queue    chan forwardJob
	forwards sync.WaitGroup
	lastMu   sync.RWMutex
	last     uint64
}

// NewLoop wires the update loop. forwarder may be nil, in which case results are only logged.
func NewLoop(state *State, provider SnapshotProvider, evaluator *router.Evaluator, forwarder Forwarder, config LoopConfig) *Loop {
	if config.ForwardTimeout <= 0 {
		config.ForwardTimeout = 5 * time.Second
	}
	if config.ForwardQueue <= 0 {
		config.ForwardQueue = 64
	}
	return &Loop{
		state:     state,
		provider:  provider,
		evaluator: evaluator,
		forwarder: forwarder,
		config:    config,
		metrics:   newLoopMetrics(),
	}
}

// LastFinishedHeight returns the last height acknowledged to the host, 0 before the first block.
func (l *Loop) LastFinishedHeight() uint64 {
	l.lastMu.RLock()
	defer l.lastMu.RUnlock()
	return l.last
}

/*
Run processes block commits in delivery order until events is closed (returns nil) or ctx is
cancelled (returns ctx.Err() without acknowledging the block in flight).

Every processed block is acknowledged through sink, whether evaluation ran, was skipped or
failed. Batches are handed to a single forwarding goroutine in commit order and never delay the
acknowledgment. Run drains the queued sends before returning.
*/
func (l *Loop) Run(ctx context.Context, events <-chan models.ChainCommitted, sink HeightSink) error {
	l.queue = make(chan forwardJob, l.config.ForwardQueue)
	l.forwards.Add(1)
	go l.forwardLoop(l.queue)
	defer func() {
		close(l.queue)
		l.forwards.Wait()
	}()

	extensionLog.Info().Msg("Update loop started")
	for {
		select {
		case <-ctx.Done():
			extensionLog.Info().Err(ctx.Err()).Msg("Update loop interrupted")
			return ctx.Err()
		case block, ok := <-events:
			if !ok {
				extensionLog.Info().Msg("Block feed closed, stopping update loop")
				return nil
			}

			result := l.process(ctx, block)
			if ctx.Err() != nil {
				extensionLog.Info().Uint64("height", block.Height).Msg("Update loop interrupted mid-block")
				return ctx.Err()
			}
			if l.config.OnPass != nil {
				l.config.OnPass(result)
			}
			l.acknowledge(ctx, block.Height, sink)
		}
	}
}

func (l *Loop) acknowledge(ctx context.Context, height uint64, sink HeightSink) {
	l.lastMu.Lock()
	l.last = height
	l.lastMu.Unlock()

	l.metrics.finishedHeight.Record(ctx, int64(height))
	if sink != nil {
		sink.FinishedHeight(height)
	}
}

func (l *Loop) process(ctx context.Context, block models.ChainCommitted) PassResult {
	config := l.state.Snapshot()
	result := PassResult{
		PassID:     uuid.New(),
		Height:     block.Height,
		Candidates: len(config.Routes),
	}
	logger := extensionLog.With().
		Uint64("height", block.Height).
		Str("pass_id", result.PassID.String()).
		Logger()

	l.metrics.blocks.Add(ctx, 1)
	l.metrics.candidates.Record(ctx, int64(len(config.Routes)))

	if len(config.Contract) == 0 {
		result.Skipped = skipEmptyContract
		l.metrics.skip(ctx, result.Skipped)
		logger.Debug().Msg("No contract bytecode, skipping evaluation")
		return result
	}
	if len(config.Routes) == 0 {
		result.Skipped = skipNoCandidates
		l.metrics.skip(ctx, result.Skipped)
		logger.Debug().Msg("No route candidates, skipping evaluation")
		return result
	}

	snapshot, err := l.provider.StateAt(ctx, block)
	if err != nil {
		result.Skipped = skipSnapshot
		l.metrics.skip(ctx, result.Skipped)
		logger.Warn().Err(err).Str("tip", block.Tip.Hex()).Msg("State snapshot unavailable, skipping block")
		return result
	}

	start := time.Now()
	routes, stats, err := l.evaluator.Evaluate(ctx, snapshot, config.Contract, config.Routes, config.MinProfit, config.MaxProfit)
	elapsed := time.Since(start)
	result.Stats = stats
	l.metrics.passDuration.Record(ctx, elapsed.Seconds())
	l.metrics.simulated.Add(ctx, stats.Simulated)
	l.metrics.failed.Add(ctx, stats.Failed)
	if err != nil {
		result.Skipped = skipEvaluation
		l.metrics.skip(ctx, result.Skipped)
		logger.Warn().Err(err).Msg("Evaluation failed, skipping block")
		return result
	}
	l.metrics.selected.Add(ctx, int64(len(routes)))

	logger.Info().
		Int("candidates", len(config.Routes)).
		Int64("simulated", stats.Simulated).
		Int64("failed", stats.Failed).
		Int("selected", len(routes)).
		Dur("took", elapsed).
		Msg("Evaluation pass finished")

	if len(routes) == 0 || l.forwarder == nil {
		return result
	}

	batch := models.RouteBatch{
		PassID:      result.PassID,
		BlockNumber: block.Height,
		BlockHash:   block.Tip,
		Routes:      routes,
	}
	result.Forwarded = l.enqueue(batch, logger)
	return result
}

type forwardJob struct {
	batch  models.RouteBatch
	logger zerolog.Logger
}

// enqueue hands batch to the forwarding goroutine without blocking. It reports false when the
// queue is full and the batch was dropped.
func (l *Loop) enqueue(batch models.RouteBatch, logger zerolog.Logger) bool {
	select {
	case l.queue <- forwardJob{batch: batch, logger: logger}:
		return true
	default:
		l.metrics.forwardDropped.Add(context.Background(), 1)
		logger.Warn().Int("routes", len(batch.Routes)).Int("queue", cap(l.queue)).Msg("Forward queue full, dropping route batch")
		return false
	}
}

// forwardLoop sends queued batches one at a time, each with its own timeout, outliving the loop context.
func (l *Loop) forwardLoop(queue <-chan forwardJob) {
	defer l.forwards.Done()
	for job := range queue {
		l.send(job)
	}
}

func (l *Loop) send(job forwardJob) {
	ctx, cancel := context.WithTimeout(context.Background(), l.config.ForwardTimeout)
	defer cancel()

	if err := l.forwarder.Send(ctx, job.batch); err != nil {
		l.metrics.forwardFailures.Add(ctx, 1)
		job.logger.Warn().Err(err).Int("routes", len(job.batch.Routes)).Msg("Failed to forward route batch")
		return
	}
	l.metrics.forwarded.Add(ctx, 1)
	job.logger.Debug().Int("routes", len(job.batch.Routes)).Msg("Route batch forwarded")
}
