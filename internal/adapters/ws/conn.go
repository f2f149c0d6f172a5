// Package ws carries the signaling protocol over a gorilla websocket,
// on both sides of the link. A Conn feeds inbound frames to a wire
// adapter and takes outbound frames through the core.Conn interface.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

var ErrBackpressure = errors.New("backpressure")

// Inbound receives parsed frames; the wire adapter satisfies it.
type Inbound interface {
	HandleInbound(connID string, payload []byte)
}

// Conn is one websocket leg. Send never blocks: a full send buffer
// means the frame is dropped and the caller told so.
type Conn struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func NewConn(id string, conn *websocket.Conn) *Conn {
	return &Conn{
		id:   id,
		conn: conn,
		send: make(chan []byte, 32),
	}
}

// Dial opens a client connection to a signaling server. The local user
// id rides along as a query parameter and names the connection on the
// far side.
func Dial(ctx context.Context, url, userID string) (*Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url+"?user="+userID, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(userID, conn), nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- payload:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// WritePump drains the send buffer onto the socket and keeps the
// connection alive with pings. Run as a goroutine; returns when the
// context ends or the socket breaks.
func (c *Conn) WritePump(ctx context.Context, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "ws").Str("conn", c.id).Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "ws").Str("conn", c.id).Msg("writePump ping error")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "ws").Str("conn", c.id).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "ws").Str("conn", c.id).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Str("conn", c.id).Msg("writePump write error")
				return
			}
		}
	}
}

// ReadPump feeds inbound frames to the sink until the socket breaks,
// then closes the connection.
func (c *Conn) ReadPump(ctx context.Context, readLimit int64, sink Inbound) {
	defer func() {
		log.Info().Str("module", "ws").Str("conn", c.id).Msg("readPump closing")
		c.Close()
	}()

	if readLimit > 0 {
		c.conn.SetReadLimit(readLimit)
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "ws").Str("conn", c.id).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "ws").Str("conn", c.id).Msg("readPump read error")
				return
			}
			sink.HandleInbound(c.id, data)
		}
	}
}
