package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// readLimit covers full instrument lists and raw book snapshots.
const readLimit = 32 << 20

var ErrPongTimeout = errors.New("ws pong timeout")

// Conn is one websocket connection. Writes are serialized; a single reader
// drives ReadLoop, which also services control frames for Ping.
type Conn struct {
	log *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func Dial(ctx context.Context, url string, log *zap.Logger) (*Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return &Conn{log: log, conn: conn}, nil
}

// ReadLoop delivers each text frame to handler until the connection fails or ctx ends.
func (c *Conn) ReadLoop(ctx context.Context, handler func([]byte)) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.logReadLoopError(err)
			return err
		}
		if handler != nil {
			handler(data)
		}
	}
}

// PingLoop sends a websocket ping every interval and fails when a pong does
// not arrive within timeout. onPong runs after every answered ping.
func (c *Conn) PingLoop(ctx context.Context, interval, timeout time.Duration, onPong func()) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: %v", ErrPongTimeout, err)
			}
			if onPong != nil {
				onPong()
			}
		}
	}
}

func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

func (c *Conn) logReadLoopError(err error) {
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		c.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	if errors.Is(err, context.Canceled) {
		c.log.Debug("ws read loop cancelled")
		return
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
}
