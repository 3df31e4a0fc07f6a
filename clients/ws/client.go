// Package ws provides a WebSocket client for the deskpilot gateway.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/dohr-michael/deskpilot/internal/gateway/ws"
)

// ErrRemote wraps errors reported by the gateway in a response frame.
var ErrRemote = errors.New("gateway error")

// Client is a WebSocket client for the deskpilot gateway. It is not safe for
// concurrent Calls.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64

	// OnEvent, when set, receives the event frames read while waiting for a
	// response.
	OnEvent func(wsprotocol.Frame)
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(16 << 20) // task views carry screenshots
	return &Client{conn: conn}, nil
}

// Call sends a request and decodes the matching response payload into out
// (which may be nil).
func (c *Client) Call(ctx context.Context, method wsprotocol.Method, params, out any) error {
	id := fmt.Sprintf("req-%d", atomic.AddUint64(&c.reqSeq, 1))

	frame, err := wsprotocol.NewRequestFrame(id, method, params)
	if err != nil {
		return err
	}
	data, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}

	for {
		f, err := c.ReadFrame(ctx)
		if err != nil {
			return err
		}
		switch {
		case f.Type == wsprotocol.FrameTypeEvent:
			if c.OnEvent != nil {
				c.OnEvent(f)
			}
			continue
		case f.Type != wsprotocol.FrameTypeResponse || f.ID != id:
			continue
		}

		if f.OK == nil || !*f.OK {
			return fmt.Errorf("%w: %s", ErrRemote, f.Error)
		}
		if out == nil || len(f.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(f.Payload, out); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
		return nil
	}
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame(ctx context.Context) (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
