package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/labring/lima-bridge/pkg/common"
	"github.com/labring/lima-bridge/pkg/events"
	"github.com/labring/lima-bridge/pkg/oplog"
)

const ackTimeout = 5 * time.Second

// ErrStreamClosed is returned by an EventStream after Close or a lost
// connection.
var ErrStreamClosed = errors.New("event stream closed")

// EventStream republishes remote lifecycle events on a local bus, so
// in-process consumers such as opcache.Cache can read them the same way the
// server does.
type EventStream struct {
	conn *websocket.Conn
	bus  *events.Bus

	writeMux sync.Mutex

	// reqMux keeps at most one request awaiting its reply. The server
	// answers requests in order, one reply each.
	reqMux sync.Mutex
	acks   chan serverMessage
	ackMux sync.Mutex

	// stale counts replies still owed to requests that gave up waiting.
	stale int

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// serverMessage is the union of every message the event socket sends.
type serverMessage struct {
	Type    string          `json:"type"`
	Action  string          `json:"action"`
	Topic   string          `json:"topic"`
	Topics  []string        `json:"topics"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

// Events opens the server's event socket.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	conn, err := c.dial(ctx, "/ws")
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	s := &EventStream{
		conn: conn,
		bus:  events.NewBus(),
		acks: make(chan serverMessage, 1),
		done: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Bus is the local bus remote events are published on.
func (s *EventStream) Bus() *events.Bus {
	return s.bus
}

// Done is closed when the stream stops.
func (s *EventStream) Done() <-chan struct{} {
	return s.done
}

// Err returns why the stream stopped, or nil while it is running.
func (s *EventStream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Subscribe asks the server to forward topics and waits for the
// acknowledgement. Subscribe to the local bus first: events that arrive
// for topics nobody listens to locally are dropped.
func (s *EventStream) Subscribe(ctx context.Context, topics ...string) error {
	return s.request(ctx, common.SubscriptionRequest{Action: "subscribe", Topics: topics})
}

// SubscribeOperation subscribes to every topic one operation kind emits.
func (s *EventStream) SubscribeOperation(ctx context.Context, kind oplog.Kind) error {
	topics := make([]string, 0, len(events.Suffixes))
	for _, suffix := range events.Suffixes {
		topics = append(topics, events.Topic(string(kind), suffix))
	}
	return s.Subscribe(ctx, topics...)
}

// Unsubscribe stops forwarding topics.
func (s *EventStream) Unsubscribe(ctx context.Context, topics ...string) error {
	return s.request(ctx, common.SubscriptionRequest{Action: "unsubscribe", Topics: topics})
}

// Close closes the connection and waits for the read loop to exit.
func (s *EventStream) Close() error {
	s.writeMux.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMux.Unlock()

	err := s.conn.Close()
	<-s.done
	return err
}

func (s *EventStream) request(ctx context.Context, req common.SubscriptionRequest) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	s.reqMux.Lock()
	defer s.reqMux.Unlock()

	s.writeMux.Lock()
	err := s.conn.WriteJSON(req)
	s.writeMux.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", req.Action, err)
	}

	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	select {
	case msg := <-s.acks:
		if msg.Type == common.MessageTypeError {
			return fmt.Errorf("%s: %s", msg.Code, msg.Error)
		}
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		s.abandon()
		return ctx.Err()
	}
}

// abandon gives up on the outstanding reply so it is not taken as the
// answer to the next request.
func (s *EventStream) abandon() {
	s.ackMux.Lock()
	defer s.ackMux.Unlock()
	select {
	case <-s.acks:
	default:
		s.stale++
	}
}

func (s *EventStream) readLoop() {
	defer s.closeOnce.Do(func() { close(s.done) })

	for {
		var msg serverMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.err = ErrStreamClosed
			} else {
				s.err = fmt.Errorf("%w: %v", ErrStreamClosed, err)
			}
			return
		}

		switch {
		case msg.Type == common.MessageTypeEvent:
			s.bus.PublishRaw(events.Event{Topic: msg.Topic, Payload: msg.Payload})
		case msg.Type == common.MessageTypeError, msg.Action != "":
			s.reply(msg)
		}
	}
}

func (s *EventStream) reply(msg serverMessage) {
	s.ackMux.Lock()
	defer s.ackMux.Unlock()

	if s.stale > 0 {
		s.stale--
		slog.Debug("Dropping late event stream reply", slog.String("action", msg.Action), slog.String("code", msg.Code))
		return
	}
	select {
	case s.acks <- msg:
	default:
		slog.Debug("Dropping unexpected event stream reply", slog.String("action", msg.Action), slog.String("code", msg.Code))
	}
}
