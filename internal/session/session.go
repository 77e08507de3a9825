package session

import (
	"context"
	"sync"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/notify"
	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

type Config struct {
	MaxRetries       int           // reconnect attempts per chain; default 3
	ReconnectBackoff time.Duration // fixed wait before a retry; default 5s
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 5 * time.Second
	}
	return c
}

// Session is one tenant's messaging session. All state mutations happen
// under mu; transport event handlers are serialized through it, so each
// transition is a single atomic step.
type Session struct {
	tenantID string
	cfg      Config
	log      logx.Logger
	sink     notify.Sink
	bus      eventbus.Bus
	tr       transport.Transport

	// onLive runs after the session enters Live (schedule reinstall).
	// Invoked on its own goroutine, never under mu.
	onLive func(tenantID string)

	mu         sync.Mutex
	state      State
	retryCount int
	recipients []transport.RecipientInfo

	// epoch spans one connect attempt chain (initial connect plus its
	// reconnects). Canceled on explicit disconnect or terminal close;
	// in-flight dispatch runs watch it for cooperative cancellation.
	epochCtx    context.Context
	epochCancel context.CancelFunc

	retryTimer *time.Timer

	baseCtx context.Context
}

func newSession(baseCtx context.Context, tenantID string, tr transport.Transport, cfg Config, log logx.Logger, sink notify.Sink, bus eventbus.Bus, onLive func(string)) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Session{
		tenantID: tenantID,
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("tenant", tenantID)),
		sink:     sink,
		bus:      bus,
		tr:       tr,
		onLive:   onLive,
		state:    StateIdle,
		baseCtx:  baseCtx,
	}
}

func (s *Session) TenantID() string { return s.tenantID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Live reports whether sends are currently possible.
func (s *Session) Live() bool { return s.State() == StateLive }

// Done returns a channel closed when the current connection epoch ends
// (explicit disconnect, reset, or terminal close). Dispatch runs use it
// for cooperative cancellation. Returns a closed channel when no epoch is
// active.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochCtx == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.epochCtx.Done()
}

// Recipients returns the cached recipient list (refreshed on Live).
func (s *Session) Recipients() []transport.RecipientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.RecipientInfo(nil), s.recipients...)
}

// Send performs one transport send. Dispatch owns pacing and ordering.
func (s *Session) Send(ctx context.Context, to transport.RecipientID, p transport.Payload) error {
	return s.tr.Send(ctx, to, p)
}

// Connect starts (or re-starts) the connection. Idempotent while a
// connect chain is in progress or the session is live.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state.inProgress() {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateConnecting)
	s.retryCount = 0
	s.epochCtx, s.epochCancel = context.WithCancel(s.baseCtx)
	epoch := s.epochCtx
	s.mu.Unlock()

	return s.startTransportConnect(epoch)
}

func (s *Session) startTransportConnect(epoch context.Context) error {
	err := s.tr.Connect(epoch, transport.Events{
		PairingChallenge: func(data string) { s.handlePairing(epoch, data) },
		Opened:           func() { s.handleOpened(epoch) },
		Closed:           func(reason transport.CloseReason) { s.handleClosed(epoch, reason) },
	})
	if err != nil {
		s.log.Warn("transport connect failed", logx.Err(err))
		// Treat as a recoverable close so the retry budget applies.
		s.handleClosed(epoch, transport.CloseReason{Recoverable: true, Err: err})
		return err
	}
	return nil
}

func (s *Session) handlePairing(epoch context.Context, data string) {
	s.mu.Lock()
	if s.epochCtx != epoch || epoch.Err() != nil {
		s.mu.Unlock()
		return
	}
	if s.state == StateConnecting || s.state == StateReconnecting {
		s.setStateLocked(StateAwaitingAuthentication)
	}
	s.mu.Unlock()

	s.log.Info("pairing challenge received")
	s.sink.PairingChallenge(s.tenantID, data)
	s.sink.LogLine(s.tenantID, "info", "scan the pairing code to authenticate")
}

func (s *Session) handleOpened(epoch context.Context) {
	s.mu.Lock()
	if s.epochCtx != epoch || epoch.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateLive)
	s.retryCount = 0
	onLive := s.onLive
	s.mu.Unlock()

	s.log.Info("session live")
	s.sink.StatusChanged(s.tenantID, true)
	s.sink.LogLine(s.tenantID, "success", "connected")

	go s.refreshRecipients(epoch)
	if onLive != nil {
		go onLive(s.tenantID)
	}
}

func (s *Session) handleClosed(epoch context.Context, reason transport.CloseReason) {
	s.mu.Lock()
	if s.epochCtx != epoch || epoch.Err() != nil {
		// Stale event from a previous epoch, or we are already tearing
		// down via Disconnect/reset.
		s.mu.Unlock()
		return
	}
	if s.state == StateClosing || s.state == StateIdle {
		s.mu.Unlock()
		return
	}

	wasLive := s.state == StateLive

	if reason.Recoverable && s.retryCount < s.cfg.MaxRetries {
		s.retryCount++
		attempt := s.retryCount
		s.setStateLocked(StateReconnecting)
		backoff := s.cfg.ReconnectBackoff
		s.retryTimer = time.AfterFunc(backoff, func() { s.retryConnect(epoch) })
		s.mu.Unlock()

		if wasLive {
			s.sink.StatusChanged(s.tenantID, false)
		}
		s.log.Warn("connection closed, reconnecting",
			logx.Int("code", reason.Code),
			logx.Int("attempt", attempt),
			logx.Int("max", s.cfg.MaxRetries),
			logx.Duration("backoff", backoff),
			logx.Err(reason.Err))
		s.sink.LogLine(s.tenantID, "warn", "connection lost, reconnecting")
		return
	}

	exhausted := reason.Recoverable && s.retryCount >= s.cfg.MaxRetries
	attempts := s.retryCount
	s.retryCount = 0
	s.setStateLocked(StateIdle)
	s.recipients = nil
	cancel := s.epochCancel
	s.epochCtx, s.epochCancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.sink.StatusChanged(s.tenantID, false)

	if exhausted {
		s.log.Error("reconnect attempts exhausted", logx.Int("attempts", attempts))
		s.sink.LogLine(s.tenantID, "error", "reconnect attempts exhausted; connect again to resume")
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Type:     eventbus.TypeRetriesExhausted,
				TenantID: s.tenantID,
				Data:     notify.RetriesExhaustedEvent{Attempts: attempts},
			})
		}
		return
	}
	s.log.Info("connection closed", logx.Int("code", reason.Code), logx.Err(reason.Err))
	s.sink.LogLine(s.tenantID, "warn", "disconnected")
}

func (s *Session) retryConnect(epoch context.Context) {
	s.mu.Lock()
	if s.epochCtx != epoch || epoch.Err() != nil || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	_ = s.startTransportConnect(epoch)
}

// Disconnect logs out best-effort and always leaves the session Idle.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateClosing)
	cancel := s.epochCancel
	s.epochCtx, s.epochCancel = nil, nil
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	// Cancel first so in-flight dispatch runs stop issuing sends.
	if cancel != nil {
		cancel()
	}

	dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
	if err := s.tr.Disconnect(dctx); err != nil {
		s.log.Warn("transport logout failed", logx.Err(err))
	}
	dcancel()

	s.mu.Lock()
	s.setStateLocked(StateIdle)
	s.retryCount = 0
	s.recipients = nil
	s.mu.Unlock()

	s.log.Info("session disconnected")
	s.sink.StatusChanged(s.tenantID, false)
	s.sink.LogLine(s.tenantID, "info", "disconnected")
}

func (s *Session) refreshRecipients(epoch context.Context) {
	ctx, cancel := context.WithTimeout(epoch, 30*time.Second)
	defer cancel()

	list, err := s.tr.ListRecipients(ctx)
	if err != nil {
		// Best-effort: an empty cache is fine, sends still work.
		s.log.Warn("recipient list refresh failed", logx.Err(err))
		return
	}

	s.mu.Lock()
	if s.epochCtx == epoch && s.state == StateLive {
		s.recipients = list
	}
	s.mu.Unlock()
	s.log.Info("recipient list refreshed", logx.Int("count", len(list)))
}

// setStateLocked records the transition. Callers hold mu.
func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	s.log.Debug("state transition", logx.String("from", prev.String()), logx.String("to", next.String()))
}
