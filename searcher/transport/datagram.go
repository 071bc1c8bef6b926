package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/codec"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/models"
	"github.com/rs/zerolog"
)

var transportLog zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	transportLog = zerolog.New(out).With().Timestamp().Str("component", "transport").Logger()
}

// SetLogger allows setting a custom logger
func SetLogger(l zerolog.Logger) {
	transportLog = l.With().Str("component", "transport").Logger()
}

// MaxDatagramSize is the largest payload a single UDP datagram can carry.
const MaxDatagramSize = 65507

// ErrBatchTooLarge is returned when an encoded batch does not fit into one datagram.
var ErrBatchTooLarge = errors.New("route batch exceeds datagram size")

// DatagramSender writes one ABI-encoded route batch per datagram. It is safe for concurrent use.
type DatagramSender struct {
	network string
	address string

	mu   sync.Mutex
	conn net.Conn
}

// NewDatagramSender connects to address over "udp", "udp4", "udp6" or "unixgram".
// A UDP consumer does not need to be listening yet; a unixgram socket must already exist.
func NewDatagramSender(network, address string) (*DatagramSender, error) {
	switch network {
	case "udp", "udp4", "udp6", "unixgram":
	default:
		return nil, fmt.Errorf("unsupported output network %q", network)
	}

	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s %s: %w", network, address, err)
	}

	transportLog.Info().Str("network", network).Str("address", address).Msg("Output transport ready")
	return &DatagramSender{network: network, address: address, conn: conn}, nil
}

// Send encodes batch and writes it as a single datagram. Delivery is not acknowledged.
func (s *DatagramSender) Send(ctx context.Context, batch models.RouteBatch) error {
	payload, err := codec.EncodeBatch(batch)
	if err != nil {
		return err
	}
	if len(payload) > MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes for %d routes", ErrBatchTooLarge, len(payload), len(batch.Routes))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return net.ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
		defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()
	}

	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("failed to write route batch to %s: %w", s.address, err)
	}
	transportLog.Trace().
		Uint64("height", batch.BlockNumber).
		Int("routes", len(batch.Routes)).
		Int("bytes", len(payload)).
		Msg("Route batch sent")
	return nil
}

// Close releases the socket. Later sends fail with net.ErrClosed.
func (s *DatagramSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
