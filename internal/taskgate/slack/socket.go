package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rcourtman/taskgate/internal/taskgate/tgmetrics"
)

// ErrReconnectExhausted is returned by Run after the configured number of
// consecutive reconnect attempts failed.
var ErrReconnectExhausted = errors.New("slack socket reconnect attempts exhausted")

const (
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultMaxAttempts   = 10
	defaultWorkers       = 4
	defaultQueueSize     = 64
	defaultDedupeSize    = 512

	wsPingInterval   = 30 * time.Second
	wsPongWait       = 75 * time.Second
	wsWriteWait      = 10 * time.Second
	wsHandshakeWait  = 15 * time.Second
	wsMaxMessageSize = 1 << 20
	sendChBufferSize = 256
	closeWait        = 5 * time.Second

	commandErrorText = "Sorry, there was an error processing your command. Please try again."
	commandBusyText  = "The task bot is busy right now. Please try again in a moment."
)

// State is the connection state of the socket client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// CommandHandler executes a slash command and returns the reply.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd SlashCommand) (Response, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd SlashCommand) (Response, error)

func (f CommandHandlerFunc) HandleCommand(ctx context.Context, cmd SlashCommand) (Response, error) {
	return f(ctx, cmd)
}

// Connector opens Socket Mode connections and posts replies.
type Connector interface {
	OpenConnection(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, channel, text string) error
	Respond(ctx context.Context, responseURL string, r Response) error
}

// SocketConfig tunes reconnects and the command worker pool.
type SocketConfig struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
	Workers       int
	QueueSize     int
	DedupeSize    int
}

func (c SocketConfig) withDefaults() SocketConfig {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = defaultDedupeSize
	}
	return c
}

// SocketClient owns one Socket Mode connection at a time. Run drives the
// connection and reconnect loop; Close stops it.
type SocketClient struct {
	cfg      SocketConfig
	api      Connector
	commands CommandHandler
	logger   zerolog.Logger

	// OnEvent and OnInteractive receive events_api and interactive payloads.
	// Both run on the worker pool.
	OnEvent       func(ctx context.Context, payload json.RawMessage)
	OnInteractive func(ctx context.Context, payload json.RawMessage)

	mu      sync.RWMutex
	state   State
	cancel  context.CancelFunc
	started bool
	seen    *envelopeSet
	jobs    chan func(context.Context)
	done    chan struct{}
}

// NewSocketClient creates a client dispatching slash commands to commands.
func NewSocketClient(api Connector, commands CommandHandler, cfg SocketConfig, logger zerolog.Logger) *SocketClient {
	cfg = cfg.withDefaults()
	return &SocketClient{
		cfg:      cfg,
		api:      api,
		commands: commands,
		logger:   logger,
		state:    StateDisconnected,
		seen:     newEnvelopeSet(cfg.DedupeSize),
		jobs:     make(chan func(context.Context), cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// State reports the current connection state.
func (c *SocketClient) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *SocketClient) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if s == StateConnected {
		tgmetrics.SlackConnected.Set(1)
	} else {
		tgmetrics.SlackConnected.Set(0)
	}
}

// Send posts text to channel through the Web API.
func (c *SocketClient) Send(ctx context.Context, channel, text string) error {
	return c.api.PostMessage(ctx, channel, text)
}

// Run connects and serves until ctx is cancelled, Close is called, or the
// reconnect budget is spent. Cancellation returns nil.
func (c *SocketClient) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("slack socket client already running")
	}
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()
	defer close(c.done)
	defer cancel()

	var workers sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			c.worker(ctx)
		}()
	}
	defer workers.Wait()
	defer c.setState(StateDisconnected)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		}
		if err == nil {
			// Server asked us to reconnect.
			tgmetrics.SlackReconnectsTotal.Inc()
			continue
		}

		if failures >= c.cfg.MaxAttempts {
			c.logger.Error().Err(err).
				Int("attempts", failures).
				Msg("Slack socket reconnect attempts exhausted; manual restart required")
			tgmetrics.SlackFatalAlertsTotal.Inc()
			return ErrReconnectExhausted
		}

		delay := c.backoffDelay(failures)
		failures++
		tgmetrics.SlackReconnectsTotal.Inc()
		c.logger.Warn().Err(err).
			Int("attempt", failures).
			Int("max_attempts", c.cfg.MaxAttempts).
			Dur("retry_in", delay).
			Msg("Slack socket connection lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Close cancels Run and waits for it to return.
func (c *SocketClient) Close() {
	c.mu.RLock()
	cancel, started := c.cancel, c.started
	c.mu.RUnlock()
	if !started {
		return
	}
	cancel()
	select {
	case <-c.done:
	case <-time.After(closeWait):
		c.logger.Warn().Msg("Slack socket client did not stop in time")
	}
}

// backoffDelay is min(base*2^attempt, max) for the zero-based attempt.
func (c *SocketClient) backoffDelay(attempt int) time.Duration {
	delay := c.cfg.ReconnectBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.ReconnectMax {
			return c.cfg.ReconnectMax
		}
	}
	if delay > c.cfg.ReconnectMax {
		return c.cfg.ReconnectMax
	}
	return delay
}

// connectAndServe reports whether the connection was established and
// returns nil only when the server requested a reconnect.
func (c *SocketClient) connectAndServe(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)

	wsURL, err := c.api.OpenConnection(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return false, fmt.Errorf("open connection: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait, Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return false, fmt.Errorf("dial socket: %w", err)
	}

	sendCh := make(chan []byte, sendChBufferSize)
	connCtx, connCancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	defer func() {
		connCancel()
		<-writerDone
		conn.Close()
		c.setState(StateDisconnected)
		c.logger.Info().Msg("Slack socket connection closed")
	}()

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	c.setState(StateConnected)
	c.logger.Info().Msg("Slack socket connected")

	go func() {
		defer close(writerDone)
		c.writePump(connCtx, conn, sendCh)
	}()

	return true, c.readPump(connCtx, conn, sendCh)
}

func (c *SocketClient) readPump(ctx context.Context, conn *websocket.Conn, sendCh chan<- []byte) error {
	// Unblock ReadMessage when the connection context ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to decode socket frame, skipping")
			continue
		}
		tgmetrics.SlackEnvelopesTotal.WithLabelValues(env.Type).Inc()

		if env.EnvelopeID != "" && !c.accept(sendCh, env.EnvelopeID) {
			continue
		}

		switch env.Type {
		case EnvelopeHello:
			c.logger.Debug().Msg("Slack socket hello received")

		case EnvelopeDisconnect:
			c.logger.Info().Str("reason", env.Reason).Msg("Slack requested reconnect")
			return nil

		case EnvelopeSlashCommands:
			var cmd SlashCommand
			if err := json.Unmarshal(env.Payload, &cmd); err != nil {
				c.logger.Warn().Err(err).Str("envelope_id", env.EnvelopeID).Msg("Invalid slash command payload")
				continue
			}
			c.dispatchCommand(cmd)

		case EnvelopeEventsAPI:
			if c.OnEvent != nil {
				payload := env.Payload
				c.enqueue(func(ctx context.Context) { c.OnEvent(ctx, payload) }, nil)
			}

		case EnvelopeInteractive:
			if c.OnInteractive != nil {
				payload := env.Payload
				c.enqueue(func(ctx context.Context) { c.OnInteractive(ctx, payload) }, nil)
			}

		default:
			c.logger.Debug().Str("type", env.Type).Msg("Ignoring unhandled envelope type")
		}
	}
}

func (c *SocketClient) writePump(ctx context.Context, conn *websocket.Conn, sendCh <-chan []byte) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("Socket write failed")
				_ = conn.Close()
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("Socket ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// accept acks an envelope and records it as seen. Duplicates are refused, as
// are envelopes whose ack could not be queued; Slack redelivers those.
func (c *SocketClient) accept(sendCh chan<- []byte, envelopeID string) bool {
	if c.seen.contains(envelopeID) {
		c.logger.Debug().Str("envelope_id", envelopeID).Msg("Duplicate envelope ignored")
		return false
	}
	if !c.sendAck(sendCh, envelopeID) {
		return false
	}
	c.seen.add(envelopeID)
	return true
}

func (c *SocketClient) sendAck(sendCh chan<- []byte, envelopeID string) bool {
	data, err := json.Marshal(ack{EnvelopeID: envelopeID})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to encode ack")
		return false
	}
	select {
	case sendCh <- data:
		return true
	default:
		c.logger.Warn().Str("envelope_id", envelopeID).Msg("Send channel full, leaving envelope for redelivery")
		return false
	}
}

func (c *SocketClient) dispatchCommand(cmd SlashCommand) {
	c.enqueue(func(ctx context.Context) {
		c.runCommand(ctx, cmd)
	}, func() {
		c.logger.Warn().Str("command", cmd.Command).Msg("Command queue full, rejecting")
		go c.reply(context.Background(), cmd, Ephemeral(commandBusyText))
	})
}

// enqueue hands job to the worker pool without blocking the read loop.
func (c *SocketClient) enqueue(job func(context.Context), onFull func()) {
	select {
	case c.jobs <- job:
	default:
		if onFull != nil {
			onFull()
		} else {
			c.logger.Warn().Msg("Worker queue full, dropping envelope")
		}
	}
}

func (c *SocketClient) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.jobs:
			job(ctx)
		}
	}
}

func (c *SocketClient) runCommand(ctx context.Context, cmd SlashCommand) {
	resp, err := c.handle(ctx, cmd)
	if err != nil {
		c.logger.Error().Err(err).
			Str("command", cmd.Command).
			Str("user", cmd.UserID).
			Msg("Slash command failed")
		resp = Ephemeral(commandErrorText)
	}
	c.reply(ctx, cmd, resp)
}

func (c *SocketClient) handle(ctx context.Context, cmd SlashCommand) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command handler panic: %v", r)
		}
	}()
	if c.commands == nil {
		return Response{}, fmt.Errorf("no command handler configured")
	}
	return c.commands.HandleCommand(ctx, cmd)
}

func (c *SocketClient) reply(ctx context.Context, cmd SlashCommand, resp Response) {
	if cmd.ResponseURL == "" {
		c.logger.Warn().Str("command", cmd.Command).Msg("Slash command has no response url")
		return
	}
	if err := c.api.Respond(ctx, cmd.ResponseURL, resp); err != nil {
		c.logger.Warn().Err(err).Str("command", cmd.Command).Msg("Failed to send slash command response")
	}
}

// envelopeSet remembers the most recent envelope ids in insertion order.
type envelopeSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

func newEnvelopeSet(size int) *envelopeSet {
	return &envelopeSet{ids: make(map[string]struct{}, size), order: make([]string, size)}
}

func (s *envelopeSet) contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// add records id and reports whether it was new.
func (s *envelopeSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.order[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.order[s.next] = id
	s.next = (s.next + 1) % len(s.order)
	s.ids[id] = struct{}{}
	return true
}
