package lime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/botmesh/limepipe/internal/models"
)

// Constants for Lime client configuration
const (
	// DefaultHostname is the public BLiP websocket gateway.
	DefaultHostname = "ws.msging.net"
	// DefaultDomain is the identity domain appended to bare identifiers.
	DefaultDomain = "msging.net"
	// DefaultInstance is the node instance used when none is configured.
	DefaultInstance = "default"
	// handshakeTimeout bounds the session establishment exchange. Command
	// round trips carry no timeout of their own; callers wrap with ctx.
	handshakeTimeout = 30 * time.Second
)

// Opts holds configuration options for the Lime client.
type Opts struct {
	Identifier string // bot identifier (overrides $BLIP_IDENTIFIER)
	AccessKey  string // bot access key (overrides $BLIP_ACCESS_KEY)
	Hostname   string // websocket gateway hostname
	Instance   string // node instance suffix
	Trace      bool   // log raw envelopes at debug level
}

// Option defines a configuration option for the Lime client.
type Option func(*Opts)

// WithIdentifier sets the bot identifier.
func WithIdentifier(identifier string) Option {
	return func(o *Opts) {
		o.Identifier = identifier
	}
}

// WithAccessKey sets the bot access key.
func WithAccessKey(accessKey string) Option {
	return func(o *Opts) {
		o.AccessKey = accessKey
	}
}

// WithHostname sets the websocket gateway hostname.
func WithHostname(hostname string) Option {
	return func(o *Opts) {
		o.Hostname = hostname
	}
}

// WithInstance sets the node instance suffix.
func WithInstance(instance string) Option {
	return func(o *Opts) {
		o.Instance = instance
	}
}

// WithTrace enables raw envelope logging at debug level.
func WithTrace(trace bool) Option {
	return func(o *Opts) {
		o.Trace = trace
	}
}

// Predicate decides whether an inbound message is admitted for handling.
type Predicate func(msg *Message) bool

// Handler processes an admitted inbound message.
type Handler func(ctx context.Context, msg *Message) error

// receiver pairs an admission predicate with a message handler.
type receiver struct {
	predicate Predicate
	handler   Handler
}

// Client is a Lime protocol client over a single websocket connection.
// One Client serves one worker process; all command round trips and
// message receivers share its read loop.
type Client struct {
	identifier string
	accessKey  string
	hostname   string
	instance   string
	trace      bool

	mu        sync.Mutex // guards conn and connected
	conn      *websocket.Conn
	connected bool
	node      string // full local node assigned by the server

	writeMu sync.Mutex // serializes websocket writes

	pendingMu sync.Mutex
	pending   map[string]chan *Command

	recvMu    sync.RWMutex
	receivers []receiver

	done chan struct{}
}

// NewClient creates a new Lime client, applying any provided options.
// Credentials fall back to the BLIP_IDENTIFIER and BLIP_ACCESS_KEY
// environment variables; construction fails fast when neither source
// provides them.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	identifier := cfg.Identifier
	if identifier == "" {
		identifier = os.Getenv("BLIP_IDENTIFIER")
	}
	if identifier == "" {
		return nil, fmt.Errorf("BLiP identifier not set: pass lime.WithIdentifier or set BLIP_IDENTIFIER")
	}

	accessKey := cfg.AccessKey
	if accessKey == "" {
		accessKey = os.Getenv("BLIP_ACCESS_KEY")
	}
	if accessKey == "" {
		return nil, fmt.Errorf("BLiP access key not set: pass lime.WithAccessKey or set BLIP_ACCESS_KEY")
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname = DefaultHostname
	}
	instance := cfg.Instance
	if instance == "" {
		instance = DefaultInstance
	}

	slog.Debug("LimeClient created", "identifier", identifier, "hostname", hostname, "instance", instance, "trace", cfg.Trace)
	return &Client{
		identifier: identifier,
		accessKey:  accessKey,
		hostname:   hostname,
		instance:   instance,
		trace:      cfg.Trace,
		pending:    make(map[string]chan *Command),
		done:       make(chan struct{}),
	}, nil
}

// IsConnected reports whether the session is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Node returns the full local node identity assigned by the server, or
// the configured identity before the session is established.
func (c *Client) Node() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.node != "" {
		return c.node
	}
	return c.localNode()
}

func (c *Client) localNode() string {
	return fmt.Sprintf("%s@%s/%s", c.identifier, DefaultDomain, c.instance)
}

// Connect dials the gateway, establishes the Lime session, and starts
// the read loop. The provided context bounds the dial and remains the
// base context for message handlers.
func (c *Client) Connect(ctx context.Context) error {
	// A hostname with an explicit scheme (e.g. ws:// for a local gateway)
	// is used as the full URL; a bare hostname dials the public gateway
	// over wss.
	target := c.hostname
	if !strings.Contains(target, "://") {
		target = (&url.URL{Scheme: "wss", Host: c.hostname, Path: "/"}).String()
	}
	dialer := websocket.Dialer{Subprotocols: []string{"lime"}}

	slog.Debug("LimeClient dialing", "url", target)
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", target, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.establishSession(conn); err != nil {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		return fmt.Errorf("failed to establish session: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(ctx)

	c.setupRouting(ctx)

	slog.Info("LimeClient connected", "node", c.Node())
	return nil
}

// establishSession runs the new -> negotiating -> authenticating ->
// established exchange on a fresh connection.
func (c *Client) establishSession(conn *websocket.Conn) error {
	deadline := time.Now().Add(handshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	if err := conn.WriteJSON(Session{State: SessionStateNew}); err != nil {
		return fmt.Errorf("failed to send new session: %w", err)
	}

	for {
		var session Session
		if err := conn.ReadJSON(&session); err != nil {
			return fmt.Errorf("failed to read session envelope: %w", err)
		}
		slog.Debug("LimeClient session state", "state", session.State, "session_id", session.ID)

		switch session.State {
		case SessionStateNegotiating:
			reply := Session{
				ID:          session.ID,
				State:       SessionStateNegotiating,
				Encryption:  "tls",
				Compression: "none",
			}
			if err := conn.WriteJSON(reply); err != nil {
				return fmt.Errorf("failed to send negotiation: %w", err)
			}
		case SessionStateAuthenticating:
			reply := Session{
				ID:             session.ID,
				State:          SessionStateAuthenticating,
				From:           c.localNode(),
				Scheme:         "key",
				Authentication: &Authentication{Key: c.authenticationKey()},
			}
			if err := conn.WriteJSON(reply); err != nil {
				return fmt.Errorf("failed to send authentication: %w", err)
			}
		case SessionStateEstablished:
			c.mu.Lock()
			c.node = session.To
			c.mu.Unlock()
			return nil
		case SessionStateFailed:
			if session.Reason != nil {
				return fmt.Errorf("session failed: %s (code %d)", session.Reason.Description, session.Reason.Code)
			}
			return fmt.Errorf("session failed without reason")
		default:
			return fmt.Errorf("unexpected session state %q", session.State)
		}
	}
}

// authenticationKey builds the key scheme credential: the base64 of
// "identifier:plainAccessKey", where the configured access key is itself
// base64-encoded by the BLiP portal. A non-base64 key is used as is.
func (c *Client) authenticationKey() string {
	plainKey := c.accessKey
	if decoded, err := base64.StdEncoding.DecodeString(c.accessKey); err == nil {
		plainKey = string(decoded)
	}
	return base64.StdEncoding.EncodeToString([]byte(c.identifier + ":" + plainKey))
}

// setupRouting issues the conventional presence and receipt commands
// after session establishment. Failures are logged, not fatal: the
// session itself is usable without them.
func (c *Client) setupRouting(ctx context.Context) {
	presence, _ := json.Marshal(map[string]string{"status": "available", "routingRule": "identity"})
	if _, err := c.ProcessCommand(ctx, &Command{
		Method:   CommandMethodSet,
		URI:      "/presence",
		Type:     "application/vnd.lime.presence+json",
		Resource: presence,
	}); err != nil {
		slog.Warn("LimeClient presence setup failed", "error", err)
	}

	receipt, _ := json.Marshal(map[string][]string{"events": {"received", "consumed"}})
	if _, err := c.ProcessCommand(ctx, &Command{
		Method:   CommandMethodSet,
		URI:      "/receipt",
		Type:     "application/vnd.lime.receipt+json",
		Resource: receipt,
	}); err != nil {
		slog.Warn("LimeClient receipt setup failed", "error", err)
	}
}

// Close tears down the connection. Pending command calls fail with a
// connection closed error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	c.conn.WriteJSON(Session{State: SessionStateFinishing})
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.conn = nil
	return err
}

// AddMessageReceiver registers a predicate/handler pair for inbound
// messages. A nil predicate admits every message. Each admitted message
// is handled on its own goroutine.
func (c *Client) AddMessageReceiver(predicate Predicate, handler Handler) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	c.receivers = append(c.receivers, receiver{predicate: predicate, handler: handler})
	slog.Debug("LimeClient message receiver registered", "receivers", len(c.receivers))
}

// ProcessCommand sends a command and suspends until the correlated
// response arrives, the context is done, or the transport fails. No
// retries and no implicit timeout: callers needing bounded latency pass
// a context with a deadline.
func (c *Client) ProcessCommand(ctx context.Context, cmd *Command) (*Command, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	ch := make(chan *Command, 1)
	c.pendingMu.Lock()
	c.pending[cmd.ID] = ch
	c.pendingMu.Unlock()

	if err := c.writeEnvelope(cmd); err != nil {
		c.removePending(cmd.ID)
		return nil, fmt.Errorf("failed to send command %s %s: %w", cmd.Method, cmd.URI, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.removePending(cmd.ID)
		return nil, ctx.Err()
	case <-c.done:
		c.removePending(cmd.ID)
		return nil, fmt.Errorf("connection closed while awaiting %s %s response", cmd.Method, cmd.URI)
	}
}

// SendMessage sends a plain text message to the given recipient.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if body == "" {
		return models.ErrEmptyContent
	}
	return c.SendContent(ctx, to, models.TextContent{Text: body})
}

// SendContent sends a typed content variant to the given recipient.
func (c *Client) SendContent(ctx context.Context, to string, content models.Content) error {
	if to == "" {
		return models.ErrEmptyRecipient
	}
	raw, err := models.EncodeContent(content)
	if err != nil {
		return fmt.Errorf("failed to encode outbound content: %w", err)
	}
	msg := &Message{
		ID:      uuid.NewString(),
		To:      to,
		Type:    content.MediaType(),
		Content: raw,
	}
	if err := c.writeEnvelope(msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("LimeClient message sent", "to", to, "type", msg.Type)
	return nil
}

func (c *Client) writeEnvelope(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	if c.trace {
		if raw, err := json.Marshal(v); err == nil {
			slog.Debug("LimeClient send envelope", "payload", string(raw))
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// readLoop routes inbound envelopes: command responses to their pending
// waiters, messages through the registered receivers. It exits when the
// connection drops, failing all pending command calls.
func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("LimeClient read loop ended", "error", err)
			return
		}
		if c.trace {
			slog.Debug("LimeClient recv envelope", "payload", string(raw))
		}

		var probe envelopeProbe
		if err := json.Unmarshal(raw, &probe); err != nil {
			slog.Warn("LimeClient dropping malformed envelope", "error", err)
			continue
		}

		switch {
		case probe.Method != "":
			var cmd Command
			if err := json.Unmarshal(raw, &cmd); err != nil {
				slog.Warn("LimeClient dropping malformed command", "error", err)
				continue
			}
			if cmd.Status == "" {
				// Server-initiated command request; nothing to do here.
				slog.Debug("LimeClient ignoring inbound command request", "method", cmd.Method, "uri", cmd.URI)
				continue
			}
			c.pendingMu.Lock()
			ch, ok := c.pending[cmd.ID]
			if ok {
				delete(c.pending, cmd.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- &cmd
			} else {
				slog.Debug("LimeClient dropping uncorrelated command response", "command_id", cmd.ID)
			}
		case probe.State != "":
			slog.Info("LimeClient session state received", "state", probe.State)
			if probe.State == SessionStateFinished || probe.State == SessionStateFailed {
				return
			}
		case probe.Event != "":
			var notification Notification
			if err := json.Unmarshal(raw, &notification); err != nil {
				slog.Warn("LimeClient dropping malformed notification", "error", err)
				continue
			}
			if notification.Event == "failed" && notification.Reason != nil {
				slog.Warn("LimeClient message delivery failed", "message_id", notification.ID, "reason", notification.Reason.Description, "code", notification.Reason.Code)
				continue
			}
			slog.Debug("LimeClient notification received", "event", notification.Event, "message_id", notification.ID)
		case probe.Type != "":
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				slog.Warn("LimeClient dropping malformed message", "error", err)
				continue
			}
			c.dispatchMessage(ctx, &msg)
		default:
			slog.Debug("LimeClient dropping unrecognized envelope")
		}
	}
}

// dispatchMessage evaluates each receiver's predicate in registration
// order on the read loop, then hands the message to matching handlers on
// their own goroutines. Predicates must be fast and non-blocking; this is
// where the dedup check-and-mark runs.
func (c *Client) dispatchMessage(ctx context.Context, msg *Message) {
	c.recvMu.RLock()
	receivers := make([]receiver, len(c.receivers))
	copy(receivers, c.receivers)
	c.recvMu.RUnlock()

	for _, r := range receivers {
		if r.predicate != nil && !r.predicate(msg) {
			continue
		}
		handler := r.handler
		go func() {
			if err := handler(ctx, msg); err != nil {
				slog.Error("LimeClient message handler failed", "error", err, "message_id", msg.ID, "from", msg.From)
			}
		}()
	}
}
