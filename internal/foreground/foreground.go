// Package foreground is the client side of the broadcast websocket: a till
// UI or the CLI connects, asks for a flush and waits for the outcome.
package foreground

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/posync/internal/broadcast"
	apperrors "github.com/kimhsiao/posync/internal/errors"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
)

const writeWait = 5 * time.Second

// Client is a connected foreground context.
type Client struct {
	conn     *websocket.Conn
	messages chan broadcast.Message

	writeMu sync.Mutex
	done    chan struct{}
	err     error
	once    sync.Once
}

// Dial connects to the daemon's websocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	c := &Client{
		conn:     conn,
		messages: make(chan broadcast.Message, 16),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.messages)
	for {
		var msg broadcast.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.finish(err)
			return
		}
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *Client) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// RequestSync sends TRIGGER_SYNC. It is fire-and-forget.
func (c *Client) RequestSync() error {
	return c.send(map[string]string{"type": broadcast.InboundTriggerSync})
}

// ReportConnectivity tells the daemon what this context observes.
func (c *Client) ReportConnectivity(online bool) error {
	return c.send(map[string]interface{}{
		"type": broadcast.InboundOnlineStatus,
		"data": broadcast.OnlineStatus{Online: online},
	})
}

// WaitResult blocks until the next sync-result, which it returns, or the
// next sync-error, which it returns as an error. Other messages are skipped.
func (c *Client) WaitResult(ctx context.Context) (*syncpkg.ResultMessage, error) {
	res, _, err := c.await(ctx, nil)
	return res, err
}

// Sync sends TRIGGER_SYNC and waits for the outcome. The daemon drops a
// trigger that lands while another run is finishing without answering it,
// so the request is repeated every resend until an answer arrives.
func (c *Client) Sync(ctx context.Context, resend time.Duration) (*syncpkg.ResultMessage, error) {
	if err := c.RequestSync(); err != nil {
		return nil, err
	}
	if resend <= 0 {
		return c.WaitResult(ctx)
	}
	ticker := time.NewTicker(resend)
	defer ticker.Stop()
	for {
		res, again, err := c.await(ctx, ticker.C)
		if !again {
			return res, err
		}
		if err := c.RequestSync(); err != nil {
			return nil, err
		}
	}
}

// await reads until a sync answer arrives or tick fires; again reports the
// latter. A nil tick never fires.
func (c *Client) await(ctx context.Context, tick <-chan time.Time) (*syncpkg.ResultMessage, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-tick:
			return nil, true, nil
		case msg, ok := <-c.messages:
			if !ok {
				return nil, false, fmt.Errorf("connection closed: %w", c.err)
			}
			switch msg.Type {
			case syncpkg.MessageSyncResult:
				var res syncpkg.ResultMessage
				if err := json.Unmarshal(msg.Data, &res); err != nil {
					return nil, false, fmt.Errorf("bad sync-result: %w", err)
				}
				return &res, false, nil
			case syncpkg.MessageSyncError:
				var e syncpkg.ErrorMessage
				if err := json.Unmarshal(msg.Data, &e); err != nil {
					return nil, false, fmt.Errorf("bad sync-error: %w", err)
				}
				return nil, false, apperrors.New(apperrors.ErrSyncFailed, e.Message)
			}
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.finish(nil)
	return c.conn.Close()
}

// Summary renders a run tally the way the till shows it.
func Summary(res *syncpkg.ResultMessage) string {
	if res == nil {
		return "nothing to sync"
	}
	s := fmt.Sprintf("%d synced, %d failed", res.Success, res.Failed)
	if res.Quarantined > 0 {
		s += fmt.Sprintf(" (%d need attention)", res.Quarantined)
	}
	return s
}
