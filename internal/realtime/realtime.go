// Package realtime subscribes to row changes published by the hosted
// backend. It speaks the Phoenix channel protocol (v1 JSON frames) over a
// websocket and delivers postgres_changes events to a handler.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultHeartbeat = 30 * time.Second
	joinTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
	readSlack        = 5 * time.Second

	// maxFrameSize bounds a single inbound frame.
	maxFrameSize = 1 << 20
)

// Phoenix events.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
)

// ErrJoinRejected is returned when the server refuses the channel join.
var ErrJoinRejected = errors.New("realtime: join rejected")

// Subscription selects the rows to watch.
type Subscription struct {
	Schema string // defaults to "public"
	Table  string
	Event  string // INSERT, UPDATE, DELETE or "*"; defaults to "*"
	Filter string // e.g. "partnership_id=eq.<id>"

	// Channel names the channel topic; defaults to "<table>-changes".
	Channel string
}

// Change is one row change.
type Change struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	CommitTimestamp string          `json:"commit_timestamp"`
	Record          json.RawMessage `json:"record"`
	OldRecord       json.RawMessage `json:"old_record"`
}

// Decode unmarshals the new row into v.
func (c Change) Decode(v any) error {
	if len(c.Record) == 0 {
		return errors.New("realtime: change has no record")
	}
	return json.Unmarshal(c.Record, v)
}

type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changesPayload struct {
	Data Change `json:"data"`
}

// Client connects to the realtime endpoint of one project.
type Client struct {
	endpoint  string
	dialer    *websocket.Dialer
	heartbeat time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHeartbeat overrides the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// New creates a client for the project at projectURL (http or https).
func New(projectURL, apiKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(projectURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("realtime: parsing project url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	c := &Client{
		endpoint:  u.String(),
		dialer:    websocket.DefaultDialer,
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Subscribe joins a channel for sub and calls handler for every matching
// change until ctx ends. onJoined, if not nil, runs once the server has
// accepted the join. Subscribe returns nil when ctx ends and an error when
// the connection fails; it does not reconnect.
func (c *Client) Subscribe(ctx context.Context, accessToken string, sub Subscription, onJoined func(), handler func(Change)) error {
	if sub.Table == "" {
		return errors.New("realtime: subscription needs a table")
	}
	if sub.Schema == "" {
		sub.Schema = "public"
	}
	if sub.Event == "" {
		sub.Event = "*"
	}
	if sub.Channel == "" {
		sub.Channel = sub.Table + "-changes"
	}

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}
	s := &session{
		conn:  conn,
		topic: "realtime:" + sub.Channel,
	}
	defer conn.Close()

	conn.SetReadLimit(maxFrameSize)

	done := make(chan struct{})
	defer close(done)

	// Unblock any pending read when ctx ends.
	go func() {
		select {
		case <-ctx.Done():
			_ = s.send(frame{Topic: s.topic, Event: eventLeave, Payload: json.RawMessage(`{}`), Ref: newRef()})
			_ = s.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := s.join(sub, accessToken); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	slog.Info("[Realtime] subscribed", "topic", s.topic, "table", sub.Table, "event", sub.Event)
	if onJoined != nil {
		onJoined()
	}

	go s.heartbeatLoop(c.heartbeat, done)

	err = s.readLoop(c.heartbeat, handler)
	if ctx.Err() != nil {
		slog.Info("[Realtime] unsubscribed", "topic", s.topic)
		return nil
	}
	return err
}

// session is one websocket connection with one joined channel.
type session struct {
	conn  *websocket.Conn
	topic string

	writeMu sync.Mutex
}

func newRef() string { return uuid.NewString() }

func (s *session) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) writeControl(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(messageType, data, time.Now().Add(writeTimeout))
}

func (s *session) join(sub Subscription, accessToken string) error {
	change := map[string]string{
		"event":  sub.Event,
		"schema": sub.Schema,
		"table":  sub.Table,
	}
	if sub.Filter != "" {
		change["filter"] = sub.Filter
	}
	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"self": false},
			"presence":         map[string]any{"key": ""},
			"postgres_changes": []map[string]string{change},
		},
	}
	if accessToken != "" {
		payload["access_token"] = accessToken
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ref := newRef()
	if err := s.send(frame{Topic: s.topic, Event: eventJoin, Payload: raw, Ref: ref}); err != nil {
		return fmt.Errorf("realtime: join: %w", err)
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(joinTimeout))
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("realtime: waiting for join reply: %w", err)
		}
		if f.Event != eventReply || f.Ref != ref {
			continue
		}
		var reply replyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			return fmt.Errorf("realtime: decoding join reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("%w: %s", ErrJoinRejected, strings.TrimSpace(string(reply.Response)))
		}
		return nil
	}
}

func (s *session) heartbeatLoop(every time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := s.send(frame{Topic: "phoenix", Event: eventHeartbeat, Payload: json.RawMessage(`{}`), Ref: newRef()})
			if err != nil {
				slog.Debug("[Realtime] heartbeat failed", "error", err)
				return
			}
		}
	}
}

// readLoop dispatches frames until the connection fails or the channel is
// closed by the server. Heartbeat replies keep the read deadline moving.
func (s *session) readLoop(heartbeat time.Duration, handler func(Change)) error {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(2*heartbeat + readSlack))

		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("realtime: read: %w", err)
		}
		if f.Topic != s.topic {
			continue
		}

		switch f.Event {
		case eventChanges:
			var p changesPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				slog.Warn("[Realtime] dropping malformed change", "error", err)
				continue
			}
			handler(p.Data)
		case eventError:
			return fmt.Errorf("realtime: channel error: %s", string(f.Payload))
		case eventClose:
			return errors.New("realtime: channel closed by server")
		}
	}
}
