// Package relay is the websocket client for the signaling relay. It
// owns the connection and its pumps; the engine only sees envelopes.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"meshmeet/internal/core"
	"meshmeet/internal/wire"
)

const (
	sendQueueSize = 32
	writeDeadline = 5 * time.Second
)

// Options tune the channel; zero values take sane defaults.
type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	Header     http.Header
}

// Client is a durable signaling channel. TrySend is non-blocking: a
// full queue reports backpressure and the frame is dropped, never
// parked behind a retry policy.
type Client struct {
	conn       *websocket.Conn
	send       chan []byte
	pingPeriod time.Duration

	mu     sync.RWMutex
	closed bool
}

// Dial connects to the relay endpoint.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	pingPeriod := opts.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	log.Info().Str("module", "relay").Str("url", url).Msg("relay connected")
	return &Client{
		conn:       conn,
		send:       make(chan []byte, sendQueueSize),
		pingPeriod: pingPeriod,
	}, nil
}

// Run starts the read and write pumps. deliver is called from the read
// pump, one event at a time, in receipt order, never concurrently.
func (c *Client) Run(ctx context.Context, deliver func(wire.Envelope)) {
	go c.writePump(ctx)
	go c.readPump(ctx, deliver)
}

func (c *Client) TrySend(env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
	log.Info().Str("module", "relay").Msg("relay channel closed")
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump ping error")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "relay").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, deliver func(wire.Envelope)) {
	defer func() {
		log.Info().Str("module", "relay").Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("readPump read error")
				return
			}
			env, err := wire.Decode(data)
			if err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("bad frame")
				continue
			}
			deliver(env)
		}
	}
}
