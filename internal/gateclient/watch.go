package gateclient

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/torosent/gateprobe/internal/gate"
)

// Watcher streams gate state changes from a server's event feed.
type Watcher struct {
	conn      *websocket.Conn
	ctx       context.Context
	closeOnce sync.Once
	done      chan struct{}
}

// Watch subscribes to /concurrency/events. The first message is the state at
// subscription time. The watcher closes itself when ctx is done.
func (c *Client) Watch(ctx context.Context) (*Watcher, error) {
	wsURL := c.baseURL + "/concurrency/events"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("event feed dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("event feed dial failed: %w", err)
	}

	w := &Watcher{conn: conn, ctx: ctx, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = w.Close()
		case <-w.done:
		}
	}()
	return w, nil
}

// Next blocks until the server reports the next state.
func (w *Watcher) Next() (gate.State, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		if ctxErr := w.ctx.Err(); ctxErr != nil {
			return gate.State{}, ctxErr
		}
		return gate.State{}, fmt.Errorf("read event: %w", err)
	}
	return parseState(data), nil
}

// Close ends the subscription.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = w.conn.Close()
	})
	return err
}

// WaitForWaiting blocks until the server reports at least n queued waiters.
func (c *Client) WaitForWaiting(ctx context.Context, n int) error {
	w, err := c.Watch(ctx)
	if err != nil {
		return err
	}
	defer w.Close()
	for {
		st, err := w.Next()
		if err != nil {
			return err
		}
		if st.Waiting >= n {
			return nil
		}
	}
}
