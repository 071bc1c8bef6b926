package node

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

var nodeLog zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	nodeLog = zerolog.New(out).With().Timestamp().Str("component", "node").Logger()
}

// SetLogger allows setting a custom logger
func SetLogger(l zerolog.Logger) {
	nodeLog = l.With().Str("component", "node").Logger()
}

// Connection holds the raw RPC client and the typed eth client sharing it.
type Connection struct {
	RPC *rpc.Client
	Eth *ethclient.Client
}

// Dial connects to a node over websocket or IPC (subscriptions need one of the two) and
// checks that it serves the expected chain.
func Dial(ctx context.Context, url string, chainID uint64) (*Connection, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial node %s: %w", url, err)
	}
	conn := &Connection{RPC: client, Eth: ethclient.NewClient(client)}

	remote, err := conn.Eth.ChainID(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	if !remote.IsUint64() || remote.Uint64() != chainID {
		conn.Close()
		return nil, fmt.Errorf("node serves chain %s, expected %d", remote, chainID)
	}

	nodeLog.Info().Uint64("chain_id", chainID).Msg("Connected to node")
	return conn, nil
}

// Close shuts the underlying RPC client down.
func (c *Connection) Close() {
	c.RPC.Close()
}
