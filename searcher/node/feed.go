package node

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// HeadSubscriber is the subset of ethclient.Client the feed needs.
type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// FeedConfig tunes the head feed.
type FeedConfig struct {
	Buffer     int           // capacity of the outgoing channel
	MaxBackoff time.Duration // upper bound between resubscription attempts
}

/*
Feed turns the node's newHeads subscription into block-commit events and receives the
"finished height" acknowledgments back.

Heights are delivered strictly increasing: a header at or below the last delivered height
(a reorg replacing the tip, or a duplicate after resubscribing) is dropped. A broken
subscription is re-established with exponential backoff; the event channel is closed only
when ctx ends.
*/
type Feed struct {
	client HeadSubscriber
	config FeedConfig

	head     atomic.Uint64
	finished atomic.Uint64
}

// NewFeed creates a feed on top of client.
func NewFeed(client HeadSubscriber, config FeedConfig) *Feed {
	if config.Buffer <= 0 {
		config.Buffer = 16
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	return &Feed{client: client, config: config}
}

// Run starts streaming. The returned channel is closed after ctx is cancelled.
func (f *Feed) Run(ctx context.Context) <-chan models.ChainCommitted {
	events := make(chan models.ChainCommitted, f.config.Buffer)
	headers := make(chan *types.Header, f.config.Buffer)

	sub := event.ResubscribeErr(f.config.MaxBackoff, func(ctx context.Context, lastErr error) (event.Subscription, error) {
		if lastErr != nil {
			nodeLog.Warn().Err(lastErr).Msg("Head subscription dropped, resubscribing")
		}
		sub, err := f.client.SubscribeNewHead(ctx, headers)
		if err != nil {
			return nil, err
		}
		return sub, nil
	})

	go func() {
		defer close(events)
		defer sub.Unsubscribe()

		var last uint64
		for {
			select {
			case <-ctx.Done():
				return
			case header := <-headers:
				if header == nil || header.Number == nil || !header.Number.IsUint64() {
					continue
				}
				height := header.Number.Uint64()
				if height <= last {
					nodeLog.Debug().Uint64("height", height).Uint64("last", last).Msg("Dropping non-increasing head")
					continue
				}
				last = height
				f.head.Store(height)

				select {
				case events <- models.ChainCommitted{Height: height, Tip: header.Hash()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events
}

// FinishedHeight records the acknowledgment from the update loop and logs how far it lags.
func (f *Feed) FinishedHeight(height uint64) {
	f.finished.Store(height)
	head := f.head.Load()
	if head > height {
		nodeLog.Debug().Uint64("height", height).Uint64("head", head).Uint64("lag", head-height).Msg("Finished height behind head")
		return
	}
	nodeLog.Trace().Uint64("height", height).Msg("Finished height")
}

// Head returns the last height delivered by the feed.
func (f *Feed) Head() uint64 {
	return f.head.Load()
}

// Finished returns the last acknowledged height.
func (f *Feed) Finished() uint64 {
	return f.finished.Load()
}
