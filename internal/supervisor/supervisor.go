// Package supervisor owns the protocol session of a single tenant: it opens
// the transport, surfaces QR and pairing challenges, applies the reconnection
// policy and exposes send, disconnect and logout.
//
// Transport events are processed one at a time on the supervisor's own
// goroutine. Every dial bumps a generation counter and events carrying an
// older generation are discarded, so at most one transport is ever live.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/events"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/reconnect"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/session"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/timer"
)

const tracerName = "github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/supervisor"

// Config holds the supervisor parameters.
type Config struct {
	Policy       reconnect.Policy
	ChallengeTTL time.Duration
	DialTimeout  time.Duration
	PairTimeout  time.Duration
	MailboxSize  int
}

// DefaultConfig returns the default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		Policy:       reconnect.DefaultPolicy(),
		ChallengeTTL: 60 * time.Second,
		DialTimeout:  30 * time.Second,
		PairTimeout:  20 * time.Second,
		MailboxSize:  256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = def.ChallengeTTL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.PairTimeout <= 0 {
		c.PairTimeout = def.PairTimeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = def.MailboxSize
	}
	return c
}

// Deps are the collaborators of a Supervisor.
type Deps struct {
	Dialer   Dialer
	Codec    Codec
	Sessions session.Store
	// Listener receives lifecycle events. It is called from the supervisor
	// goroutine and must not block.
	Listener events.Listener
}

type internalKind int

const (
	fromTransport internalKind = iota
	challengeExpired
	reconnectDue
)

type envelope struct {
	gen      uint64
	internal internalKind
	ev       TransportEvent
}

// Supervisor manages one tenant connection.
type Supervisor struct {
	tenantID string
	cfg      Config
	deps     Deps
	timers   *timer.Timer
	tracer   trace.Tracer
	now      func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	mailbox   chan envelope
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	mu                 sync.Mutex
	closed             bool
	state              models.ConnectionState
	opts               models.ConnectOptions
	transport          Transport
	gen                uint64
	paired             bool
	qr                 *string
	pairing            *string
	pairingRequested   bool
	challengeTimer     string
	reconnectTimer     string
	reconnectAt        time.Time
	connectionAttempts int
	reconnectAttempts  int
	lastActivity       time.Time
	lastReason         reconnect.Reason
	terminal           bool
	deviceJID          string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the time source used for activity timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New creates a Supervisor in the disconnected state and starts its event loop.
func New(tenantID string, cfg Config, deps Deps, opts ...Option) *Supervisor {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		tenantID: tenantID,
		cfg:      cfg,
		deps:     deps,
		timers:   timer.New("supervisor_" + tenantID),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		mailbox:  make(chan envelope, cfg.MailboxSize),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		state:    models.StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastActivity = s.now()
	go s.loop()
	return s
}

// TenantID returns the tenant this supervisor serves.
func (s *Supervisor) TenantID() string {
	return s.tenantID
}

// Done is closed once the event loop has stopped after Close.
func (s *Supervisor) Done() <-chan struct{} {
	return s.loopDone
}

// Status returns a snapshot of the connection. It never performs I/O.
func (s *Supervisor) Status() models.TenantStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() models.TenantStatus {
	st := models.TenantStatus{
		TenantID:             s.tenantID,
		IsConnected:          s.state == models.StateConnected,
		ConnectionState:      s.state,
		LastActivity:         s.lastActivity,
		ConnectionAttempts:   s.connectionAttempts,
		ReconnectAttempts:    s.reconnectAttempts,
		LastDisconnectReason: string(s.lastReason),
		DeviceJID:            s.deviceJID,
		Terminal:             s.terminal,
	}
	if s.qr != nil {
		v := *s.qr
		st.QRCode = &v
	}
	if s.pairing != nil {
		v := *s.pairing
		st.PairingCode = &v
	}
	// Stays set after the timer fires until the attempt starts.
	if !s.reconnectAt.IsZero() {
		at := s.reconnectAt
		st.NextReconnectAt = &at
	}
	return st
}

// Options returns the options of the latest connect.
func (s *Supervisor) Options() models.ConnectOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Connect starts a connection attempt and returns immediately. Connecting an
// already connected tenant is a no-op reported as already_connected.
func (s *Supervisor) Connect(ctx context.Context, opts models.ConnectOptions) (models.TenantStatus, models.ConnectResult, error) {
	opts = opts.Normalize()
	if err := opts.Validate(); err != nil {
		return s.Status(), "", models.Wrap(err, models.CodeInvalidInput, err.Error())
	}
	return s.connect(ctx, opts, false)
}

func (s *Supervisor) connect(ctx context.Context, opts models.ConnectOptions, isReconnect bool) (models.TenantStatus, models.ConnectResult, error) {
	slog.Debug("Supervisor Connect invoked", "tenant", s.tenantID, "method", opts.Method, "reconnect", isReconnect)

	s.mu.Lock()
	if s.closed {
		st := s.statusLocked()
		s.mu.Unlock()
		return st, "", fmt.Errorf("supervisor for tenant %s is closed", s.tenantID)
	}
	if s.state == models.StateConnected && s.transport != nil {
		st := s.statusLocked()
		s.mu.Unlock()
		slog.Debug("Supervisor Connect: already connected", "tenant", s.tenantID)
		return st, models.ConnectResultAlreadyConnected, nil
	}
	s.timers.Cancel(s.reconnectTimer)
	s.reconnectTimer = ""
	s.reconnectAt = time.Time{}
	s.clearChallengeLocked()
	old := s.transport
	s.transport = nil
	s.gen++
	gen := s.gen
	s.opts = opts
	s.state = models.StateConnecting
	s.terminal = false
	s.pairingRequested = false
	s.connectionAttempts++
	if !isReconnect {
		s.reconnectAttempts = 0
	}
	s.lastActivity = s.now()
	s.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	rec, err := s.deps.Sessions.Load(ctx, s.tenantID)
	if err != nil {
		slog.Error("Supervisor failed to load session", "tenant", s.tenantID, "error", err)
		if !models.IsRetryable(err) {
			err = models.WrapRetryable(err, models.CodeStorage, "failed to load session")
		}
		if isReconnect {
			s.onDisconnected(gen, reconnect.ReasonConnectFailed)
		} else {
			s.mu.Lock()
			if s.gen == gen {
				s.state = models.StateDisconnected
				s.lastReason = reconnect.ReasonConnectFailed
			}
			s.mu.Unlock()
		}
		return s.Status(), "", err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.paired = rec != nil
	}
	st := s.statusLocked()
	s.mu.Unlock()

	go s.dial(gen, rec)
	slog.Info("Supervisor Connect succeeded", "tenant", s.tenantID, "paired", rec != nil, "method", opts.Method)
	return st, models.ConnectResultConnecting, nil
}

func (s *Supervisor) dial(gen uint64, rec *session.Record) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	defer cancel()

	handler := func(ev TransportEvent) {
		s.enqueue(envelope{gen: gen, ev: ev})
	}
	t, err := s.deps.Dialer.Dial(ctx, s.tenantID, rec, handler)
	if err != nil {
		reason := reconnect.ReasonConnectFailed
		if errors.Is(err, ErrCredentialsInvalid) {
			reason = reconnect.ReasonCredentialsInvalid
		}
		slog.Error("Supervisor dial failed", "tenant", s.tenantID, "reason", reason, "error", err)
		s.enqueue(envelope{gen: gen, ev: TransportEvent{Kind: TransportDisconnected, Reason: reason}})
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		t.Disconnect()
		return
	}
	s.transport = t
	s.mu.Unlock()

	if err := t.Connect(ctx); err != nil {
		slog.Warn("Supervisor transport connect failed", "tenant", s.tenantID, "error", err)
		s.enqueue(envelope{gen: gen, ev: TransportEvent{Kind: TransportDisconnected, Reason: reconnect.ReasonConnectFailed}})
	}
}

func (s *Supervisor) enqueue(env envelope) {
	select {
	case s.mailbox <- env:
	case <-s.done:
	}
}

func (s *Supervisor) loop() {
	defer close(s.loopDone)
	for {
		select {
		case env := <-s.mailbox:
			s.handle(env)
		case <-s.done:
			return
		}
	}
}

func (s *Supervisor) handle(env envelope) {
	switch env.internal {
	case challengeExpired:
		s.onChallengeExpired(env.gen)
		return
	case reconnectDue:
		s.onReconnectDue(env.gen)
		return
	}

	switch env.ev.Kind {
	case TransportChallenge:
		s.onChallenge(env.gen, env.ev.QRCode)
	case TransportConnected:
		s.onConnected(env.gen, env.ev.Identity)
	case TransportDisconnected:
		s.onDisconnected(env.gen, env.ev.Reason)
	case TransportMessage:
		s.onMessage(env.gen, env.ev.Raw)
	default:
		slog.Debug("Supervisor ignoring transport event", "tenant", s.tenantID, "kind", env.ev.Kind)
	}
}

func (s *Supervisor) emit(ev events.Event) {
	if s.deps.Listener != nil {
		s.deps.Listener(ev)
	}
}

func (s *Supervisor) clearChallengeLocked() {
	s.timers.Cancel(s.challengeTimer)
	s.challengeTimer = ""
	s.qr = nil
	s.pairing = nil
}

func (s *Supervisor) setChallengeLocked(gen uint64, qr, pairing *string) {
	s.timers.Cancel(s.challengeTimer)
	s.qr = qr
	s.pairing = pairing
	s.challengeTimer = s.timers.ScheduleAfter(s.cfg.ChallengeTTL, "challenge expiry", func() {
		s.enqueue(envelope{gen: gen, internal: challengeExpired})
	})
}

func (s *Supervisor) onChallenge(gen uint64, qr string) {
	s.mu.Lock()
	if s.gen != gen || s.closed || s.state == models.StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = models.StateAwaitingChallenge
	s.lastActivity = s.now()

	if s.opts.Method == models.ConnectionMethodPairing && !s.paired {
		if s.pairingRequested {
			s.mu.Unlock()
			return
		}
		s.pairingRequested = true
		t := s.transport
		phone := s.opts.PhoneNumber
		s.mu.Unlock()
		if t == nil {
			return
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PairTimeout)
		code, err := t.PairPhone(ctx, phone)
		cancel()
		if err != nil {
			slog.Error("Supervisor pairing code request failed", "tenant", s.tenantID, "error", err)
			s.onDisconnected(gen, reconnect.ReasonPairingFailed)
			return
		}

		s.mu.Lock()
		if s.gen != gen || s.state != models.StateAwaitingChallenge {
			s.mu.Unlock()
			return
		}
		s.setChallengeLocked(gen, nil, &code)
		s.mu.Unlock()

		slog.Info("Supervisor pairing code issued", "tenant", s.tenantID)
		ev := events.New(events.KindPairingCode, s.tenantID)
		ev.PairingCode = code
		s.emit(ev)
		return
	}

	s.setChallengeLocked(gen, &qr, nil)
	s.mu.Unlock()

	slog.Info("Supervisor QR challenge issued", "tenant", s.tenantID)
	ev := events.New(events.KindQR, s.tenantID)
	ev.QRCode = qr
	s.emit(ev)
}

func (s *Supervisor) onChallengeExpired(gen uint64) {
	s.mu.Lock()
	live := s.gen == gen && s.state == models.StateAwaitingChallenge
	s.mu.Unlock()
	if !live {
		return
	}
	slog.Info("Supervisor challenge expired", "tenant", s.tenantID)
	s.onDisconnected(gen, reconnect.ReasonChallengeExpired)
}

func (s *Supervisor) onConnected(gen uint64, id Identity) {
	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	if id.DeviceJID == "" && s.transport != nil {
		id = s.transport.Identity()
	}
	now := s.now()
	s.clearChallengeLocked()
	s.state = models.StateConnected
	s.connectionAttempts = 0
	s.reconnectAttempts = 0
	s.terminal = false
	s.lastReason = ""
	s.lastActivity = now
	s.deviceJID = id.DeviceJID
	s.paired = true
	rec := session.Record{
		TenantID:         s.tenantID,
		DeviceJID:        id.DeviceJID,
		PushName:         id.PushName,
		Platform:         id.Platform,
		ConnectionMethod: s.opts.Method,
		PhoneNumber:      s.opts.PhoneNumber,
		UpdatedAt:        now,
	}
	s.mu.Unlock()

	s.persist(gen, rec, 1)

	slog.Info("Supervisor connected", "tenant", s.tenantID, "device", id.DeviceJID)
	ev := events.New(events.KindConnected, s.tenantID)
	ev.DeviceJID = id.DeviceJID
	s.emit(ev)
}

// persist saves the session record, retrying with the policy's delays.
func (s *Supervisor) persist(gen uint64, rec session.Record, attempt int) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	err := s.deps.Sessions.Save(ctx, rec)
	cancel()
	if err == nil {
		slog.Debug("Supervisor session persisted", "tenant", s.tenantID, "attempt", attempt)
		return
	}

	limit := s.cfg.Policy.MaxAttempts
	if limit < 1 {
		limit = reconnect.DefaultPolicy().MaxAttempts
	}
	if attempt >= limit {
		slog.Error("Supervisor giving up persisting session", "tenant", s.tenantID, "attempts", attempt, "error", err)
		return
	}
	delay := s.cfg.Policy.Delay(attempt)
	slog.Warn("Supervisor session persist failed, retrying", "tenant", s.tenantID, "attempt", attempt, "delay", delay, "error", err)
	s.timers.ScheduleAfter(delay, "persist session", func() {
		s.mu.Lock()
		live := s.gen == gen && s.state == models.StateConnected && !s.closed
		s.mu.Unlock()
		if live {
			s.persist(gen, rec, attempt+1)
		}
	})
}

func (s *Supervisor) onDisconnected(gen uint64, reason reconnect.Reason) {
	if reason == "" {
		reason = reconnect.ReasonUnknown
	}

	s.mu.Lock()
	if s.gen != gen || s.closed || s.state == models.StateDisconnected || s.state == models.StateLoggedOut {
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.transport = nil
	s.clearChallengeLocked()
	s.lastReason = reason
	s.lastActivity = s.now()
	s.state = models.StateDisconnected

	erase := reason.RevokesCredentials()
	var rec *session.Record
	if erase {
		s.state = models.StateLoggedOut
		rec = &session.Record{TenantID: s.tenantID, DeviceJID: s.deviceJID}
		s.deviceJID = ""
		s.paired = false
	}

	decision := s.cfg.Policy.Decide(s.reconnectAttempts+1, reason)
	if decision.ShouldRetry {
		s.reconnectAttempts++
		s.terminal = false
		s.reconnectAt = s.now().Add(decision.Delay)
		s.reconnectTimer = s.timers.ScheduleAfter(decision.Delay, "reconnect", func() {
			s.enqueue(envelope{gen: gen, internal: reconnectDue})
		})
	} else {
		s.terminal = true
	}
	attempts := s.reconnectAttempts
	s.mu.Unlock()

	if t != nil {
		t.Disconnect()
	}
	if erase {
		s.eraseCredentials(s.ctx, rec)
	}

	if decision.ShouldRetry {
		slog.Warn("Supervisor disconnected, reconnect scheduled", "tenant", s.tenantID, "reason", reason, "attempt", attempts, "delay", decision.Delay)
	} else {
		slog.Warn("Supervisor disconnected, not retrying", "tenant", s.tenantID, "reason", reason, "terminal_reason", decision.Terminal, "attempts", attempts)
	}

	kind := events.KindDisconnected
	if erase {
		kind = events.KindLoggedOut
	}
	ev := events.New(kind, s.tenantID)
	ev.Reason = string(reason)
	ev.Terminal = !decision.ShouldRetry
	s.emit(ev)
}

func (s *Supervisor) onReconnectDue(gen uint64) {
	s.mu.Lock()
	live := s.gen == gen && !s.closed && s.state == models.StateDisconnected && !s.terminal
	if live {
		// reconnectAt is cleared by connect once the state leaves disconnected.
		s.reconnectTimer = ""
	}
	opts := s.opts
	attempt := s.reconnectAttempts
	s.mu.Unlock()
	if !live {
		return
	}

	slog.Info("Supervisor reconnecting", "tenant", s.tenantID, "attempt", attempt)
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	defer cancel()
	if _, _, err := s.connect(ctx, opts, true); err != nil {
		slog.Warn("Supervisor reconnect attempt failed", "tenant", s.tenantID, "attempt", attempt, "error", err)
	}
}

func (s *Supervisor) onMessage(gen uint64, raw any) {
	s.mu.Lock()
	live := s.gen == gen && !s.closed
	if live {
		s.lastActivity = s.now()
	}
	s.mu.Unlock()
	if !live {
		return
	}

	msg, err := s.deps.Codec.Decode(s.tenantID, raw)
	if err != nil {
		slog.Debug("Supervisor dropped undecodable message", "tenant", s.tenantID, "error", err)
		return
	}
	ev := events.New(events.KindMessage, s.tenantID)
	ev.Message = &msg
	s.emit(ev)
}

// Send encodes text for chatID and transmits it. It fails with
// models.ErrNotConnected when the tenant is not connected and with
// models.ErrSendFailed when the transport rejects the message. Failed sends
// are not retried.
func (s *Supervisor) Send(ctx context.Context, chatID, text string) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.send", trace.WithAttributes(
		attribute.String("tenant.id", s.tenantID),
		attribute.Int("message.length", len(text)),
	))
	defer span.End()

	s.mu.Lock()
	t := s.transport
	state := s.state
	s.mu.Unlock()

	if state != models.StateConnected || t == nil {
		err := models.WrapRetryable(fmt.Errorf("tenant %s is %s", s.tenantID, state), models.CodeNotConnected, "tenant is not connected")
		span.SetStatus(codes.Error, "not connected")
		return err
	}

	payload, err := s.deps.Codec.Encode(models.OutgoingMessage{TenantID: s.tenantID, ChatID: chatID, Text: text})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return models.Wrap(err, models.CodeInvalidInput, "failed to encode message")
	}
	if err := t.Send(ctx, chatID, payload); err != nil {
		slog.Error("Supervisor send failed", "tenant", s.tenantID, "chat", chatID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return models.Wrap(err, models.CodeSendFailed, "transport failed to send message")
	}

	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
	slog.Debug("Supervisor Send succeeded", "tenant", s.tenantID, "chat", chatID)
	return nil
}

// Logout revokes the session, erases stored credentials and leaves the tenant
// in logged_out. Failures are logged; the tenant can always start a fresh
// challenge afterwards.
func (s *Supervisor) Logout(ctx context.Context) {
	slog.Debug("Supervisor Logout invoked", "tenant", s.tenantID)
	s.mu.Lock()
	s.gen++
	s.timers.Cancel(s.reconnectTimer)
	s.reconnectTimer = ""
	s.reconnectAt = time.Time{}
	s.clearChallengeLocked()
	t := s.transport
	s.transport = nil
	rec := &session.Record{TenantID: s.tenantID, DeviceJID: s.deviceJID}
	s.deviceJID = ""
	s.paired = false
	s.state = models.StateLoggedOut
	s.terminal = true
	s.lastReason = reconnect.ReasonLoggedOut
	s.reconnectAttempts = 0
	s.lastActivity = s.now()
	s.mu.Unlock()

	if t != nil {
		if err := t.Logout(ctx); err != nil {
			slog.Warn("Supervisor transport logout failed", "tenant", s.tenantID, "error", err)
		}
		t.Disconnect()
	}
	s.eraseCredentials(ctx, rec)

	slog.Info("Supervisor Logout succeeded", "tenant", s.tenantID)
	ev := events.New(events.KindLoggedOut, s.tenantID)
	ev.Reason = string(reconnect.ReasonLoggedOut)
	ev.Terminal = true
	s.emit(ev)
}

func (s *Supervisor) eraseCredentials(ctx context.Context, rec *session.Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DialTimeout)
	defer cancel()

	if rec.DeviceJID == "" {
		if stored, err := s.deps.Sessions.Load(ctx, s.tenantID); err == nil && stored != nil {
			rec = stored
		}
	}
	if rec.DeviceJID != "" {
		if err := s.deps.Dialer.Purge(ctx, rec); err != nil {
			slog.Warn("Supervisor failed to purge device keys", "tenant", s.tenantID, "device", rec.DeviceJID, "error", err)
		}
	}
	if err := s.deps.Sessions.Erase(ctx, s.tenantID); err != nil {
		slog.Error("Supervisor failed to erase session", "tenant", s.tenantID, "error", err)
	}
}

// Disconnect closes the transport and cancels pending reconnects while keeping
// credentials. The tenant stays disconnected until Connect is called again.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.gen++
	s.timers.Cancel(s.reconnectTimer)
	s.reconnectTimer = ""
	s.reconnectAt = time.Time{}
	s.clearChallengeLocked()
	t := s.transport
	s.transport = nil
	was := s.state
	if s.state != models.StateLoggedOut {
		s.state = models.StateDisconnected
	}
	if was != models.StateDisconnected && was != models.StateLoggedOut {
		s.lastReason = reconnect.ReasonManual
	}
	s.terminal = true
	s.lastActivity = s.now()
	s.mu.Unlock()

	if t != nil {
		t.Disconnect()
	}
	if was == models.StateDisconnected || was == models.StateLoggedOut {
		return
	}
	slog.Info("Supervisor Disconnect succeeded", "tenant", s.tenantID, "was", was)
	ev := events.New(events.KindDisconnected, s.tenantID)
	ev.Reason = string(reconnect.ReasonManual)
	ev.Terminal = true
	s.emit(ev)
}

// Close disconnects and stops the event loop. The supervisor cannot be reused.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		s.Disconnect()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.timers.Stop()
		close(s.done)
		s.cancel()
		slog.Debug("Supervisor closed", "tenant", s.tenantID)
	})
}
