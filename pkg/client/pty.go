package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/labring/lima-bridge/pkg/handlers/pty"
	"github.com/labring/lima-bridge/pkg/terminal"
)

const ptyWriteWait = 10 * time.Second

var _ terminal.Backend = (*Client)(nil)

// SpawnPTY starts a pseudo-terminal on the server.
func (c *Client) SpawnPTY(ctx context.Context, req terminal.SpawnRequest) (string, error) {
	var out pty.SpawnResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/pty/spawn", req, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// AttachPTY opens the session's output stream. Output is passed to sink
// from a single goroutine until the returned channel is closed or the
// server hands the session to another attachment.
func (c *Client) AttachPTY(ctx context.Context, sessionID string, sink func([]byte)) (terminal.Channel, error) {
	conn, err := c.dial(ctx, ptyPath(sessionID)+"/attach")
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", sessionID, err)
	}

	ch := &ptyChannel{
		client:    c,
		sessionID: sessionID,
		conn:      conn,
		done:      make(chan struct{}),
	}

	c.mutex.Lock()
	previous := c.attached[sessionID]
	c.attached[sessionID] = ch
	c.mutex.Unlock()
	if previous != nil {
		_ = previous.Close()
	}

	go ch.readLoop(sink)
	return ch, nil
}

// WritePTY sends input to the session. An attached session is written over
// its WebSocket; otherwise the input goes through a unary request.
func (c *Client) WritePTY(ctx context.Context, sessionID string, data []byte) error {
	c.mutex.Lock()
	ch := c.attached[sessionID]
	c.mutex.Unlock()

	if ch != nil {
		if err := ch.write(data); err == nil {
			return nil
		}
	}
	return c.call(ctx, http.MethodPost, ptyPath(sessionID)+"/write", pty.WriteRequest{Data: string(data)}, nil)
}

// ResizePTY changes the session's window size.
func (c *Client) ResizePTY(ctx context.Context, sessionID string, size terminal.Size) error {
	return c.call(ctx, http.MethodPost, ptyPath(sessionID)+"/resize", pty.ResizeRequest{Rows: size.Rows, Cols: size.Cols}, nil)
}

// ClosePTY terminates the session.
func (c *Client) ClosePTY(ctx context.Context, sessionID string) error {
	return c.call(ctx, http.MethodPost, ptyPath(sessionID)+"/close", nil, nil)
}

// ListPTY lists live sessions.
func (c *Client) ListPTY(ctx context.Context) (pty.ListResponse, error) {
	var out pty.ListResponse
	err := c.call(ctx, http.MethodGet, "/api/v1/pty", nil, &out)
	return out, err
}

func ptyPath(sessionID string) string {
	return "/api/v1/pty/" + url.PathEscape(sessionID)
}

// ptyChannel is one attachment to a remote session.
type ptyChannel struct {
	client    *Client
	sessionID string
	conn      *websocket.Conn

	writeMux  sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (ch *ptyChannel) readLoop(sink func([]byte)) {
	defer close(ch.done)
	defer ch.release()

	for {
		messageType, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("PTY attachment ended", slog.String("session", ch.sessionID), slog.String("error", err.Error()))
			}
			return
		}
		if messageType == websocket.BinaryMessage {
			sink(data)
		}
	}
}

func (ch *ptyChannel) write(data []byte) error {
	ch.writeMux.Lock()
	defer ch.writeMux.Unlock()
	_ = ch.conn.SetWriteDeadline(time.Now().Add(ptyWriteWait))
	return ch.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Done is closed when the attachment ends, including when the server
// closes it because the process exited or another client took over.
func (ch *ptyChannel) Done() <-chan struct{} {
	return ch.done
}

// Close ends the attachment and waits until the sink is no longer called.
func (ch *ptyChannel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.writeMux.Lock()
		_ = ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detached"),
			time.Now().Add(time.Second))
		ch.writeMux.Unlock()
		err = ch.conn.Close()
	})
	<-ch.done
	return err
}

func (ch *ptyChannel) release() {
	ch.client.mutex.Lock()
	if ch.client.attached[ch.sessionID] == ch {
		delete(ch.client.attached, ch.sessionID)
	}
	ch.client.mutex.Unlock()
}
