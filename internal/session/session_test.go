package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/notify"
	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

// fakeTransport hands the event callbacks back to the test so it can
// script connection outcomes.
type fakeTransport struct {
	mu          sync.Mutex
	ev          transport.Events
	connects    int
	disconnects int
	list        []transport.RecipientInfo
	listErr     error
}

func (f *fakeTransport) Connect(_ context.Context, ev transport.Events) error {
	f.mu.Lock()
	f.ev = ev
	f.connects++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(context.Context, transport.RecipientID, transport.Payload) error {
	return nil
}

func (f *fakeTransport) ListRecipients(context.Context) ([]transport.RecipientInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list, f.listErr
}

func (f *fakeTransport) Disconnect(context.Context) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) events() transport.Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ev
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func testSession(t *testing.T, tr transport.Transport, cfg Config) *Session {
	t.Helper()
	return newSession(context.Background(), "t1", tr, cfg, logx.Nop(), notify.Nop{}, nil, nil)
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for s.State() != want {
		select {
		case <-deadline:
			t.Fatalf("state = %s, want %s", s.State(), want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestConnectHappyPath(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{list: []transport.RecipientInfo{{ID: "g1", Name: "one"}}}
	s := testSession(t, tr, Config{})

	if got := s.State(); got != StateIdle {
		t.Fatalf("initial state = %s", got)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := s.State(); got != StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}

	tr.events().PairingChallenge("qr-data")
	if got := s.State(); got != StateAwaitingAuthentication {
		t.Fatalf("state = %s, want awaiting_authentication", got)
	}

	tr.events().Opened()
	if got := s.State(); got != StateLive {
		t.Fatalf("state = %s, want live", got)
	}

	// Recipient cache refreshes in the background after open.
	deadline := time.After(2 * time.Second)
	for len(s.Recipients()) == 0 {
		select {
		case <-deadline:
			t.Fatal("recipient cache never refreshed")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestConnectIdempotentWhileInProgress(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	s := testSession(t, tr, Config{})

	for i := 0; i < 5; i++ {
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	if got := tr.connectCount(); got != 1 {
		t.Fatalf("transport connects = %d, want 1", got)
	}

	tr.events().Opened()
	_ = s.Connect(context.Background())
	if got := tr.connectCount(); got != 1 {
		t.Fatalf("connect while live must be a no-op, got %d", got)
	}
}

func TestRecoverableCloseRetriesThenGivesUp(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	bus := eventbus.New()
	sub := bus.Subscribe(16)
	defer sub.Close()

	s := newSession(context.Background(), "t1", tr, Config{MaxRetries: 3, ReconnectBackoff: time.Millisecond},
		logx.Nop(), notify.Nop{}, bus, nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.events().Opened()

	// Each recoverable close triggers a timed reconnect until the budget
	// runs out: 1 initial connect + 3 retries.
	for i := 0; i < 3; i++ {
		tr.events().Closed(transport.CloseReason{Code: 500, Recoverable: true})
		waitForState(t, s, StateConnecting)
		tr.events().Opened()
		waitForState(t, s, StateLive)
	}
	if got := tr.connectCount(); got != 4 {
		t.Fatalf("transport connects = %d, want 4", got)
	}

	// Live resets the counter, so the budget is per outage, not lifetime.
	// Exhaust it without an intervening open.
	for i := 0; i < 3; i++ {
		tr.events().Closed(transport.CloseReason{Code: 500, Recoverable: true})
		waitForState(t, s, StateConnecting)
	}
	tr.events().Closed(transport.CloseReason{Code: 500, Recoverable: true})
	waitForState(t, s, StateIdle)

	var exhausted *notify.RetriesExhaustedEvent
	deadline := time.After(2 * time.Second)
	for exhausted == nil {
		select {
		case ev := <-sub.C:
			if ev.Type == eventbus.TypeRetriesExhausted {
				d := ev.Data.(notify.RetriesExhaustedEvent)
				exhausted = &d
			}
		case <-deadline:
			t.Fatal("no retries_exhausted event")
		}
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", exhausted.Attempts)
	}

	// The counter reset on exhaustion: a fresh connect gets a full budget.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect after exhaustion: %v", err)
	}
	if got := s.State(); got != StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}
}

func TestTerminalCloseGoesIdle(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	s := testSession(t, tr, Config{MaxRetries: 3, ReconnectBackoff: time.Millisecond})

	_ = s.Connect(context.Background())
	tr.events().Opened()

	done := s.Done()
	tr.events().Closed(transport.CloseReason{Code: 401, Recoverable: false})
	waitForState(t, s, StateIdle)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("epoch not canceled on terminal close")
	}
	if got := tr.connectCount(); got != 1 {
		t.Fatalf("terminal close must not reconnect, connects = %d", got)
	}
}

func TestDisconnectAlwaysLandsIdle(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{list: []transport.RecipientInfo{{ID: "g1"}}}
	s := testSession(t, tr, Config{})

	_ = s.Connect(context.Background())
	tr.events().Opened()
	done := s.Done()

	s.Disconnect(context.Background())
	if got := s.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("epoch not canceled on disconnect")
	}
	if got := s.Recipients(); len(got) != 0 {
		t.Fatalf("recipient cache must clear on idle, got %d", len(got))
	}

	// A close event from the torn-down connection is ignored.
	tr.events().Closed(transport.CloseReason{Code: 500, Recoverable: true})
	time.Sleep(5 * time.Millisecond)
	if got := s.State(); got != StateIdle {
		t.Fatalf("stale close changed state to %s", got)
	}
}

func TestRecipientRefreshFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{listErr: errors.New("boom")}
	s := testSession(t, tr, Config{})

	_ = s.Connect(context.Background())
	tr.events().Opened()
	time.Sleep(10 * time.Millisecond)

	if got := s.State(); got != StateLive {
		t.Fatalf("state = %s, want live despite refresh failure", got)
	}
	if got := s.Recipients(); len(got) != 0 {
		t.Fatalf("recipients = %d, want 0", len(got))
	}
}

type fakeFactory struct {
	mu      sync.Mutex
	created []string
	cleared []string
	tr      map[string]*fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{tr: map[string]*fakeTransport{}}
}

func (f *fakeFactory) New(tenantID string) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, tenantID)
	tr := &fakeTransport{}
	f.tr[tenantID] = tr
	return tr, nil
}

func (f *fakeFactory) ClearAuth(tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, tenantID)
	return nil
}

func TestRegistryGetOrCreateSingleFlight(t *testing.T) {
	t.Parallel()

	fac := newFakeFactory()
	r := NewRegistry(context.Background(), Config{}, RegistryDeps{Factory: fac})

	var wg sync.WaitGroup
	sessions := make([]*Session, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.GetOrCreate(context.Background(), "t1")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			sessions[i] = s
		}()
	}
	wg.Wait()

	for i := 1; i < 10; i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("concurrent GetOrCreate returned distinct sessions")
		}
	}

	fac.mu.Lock()
	created := len(fac.created)
	connects := fac.tr["t1"].connectCount()
	fac.mu.Unlock()
	if created != 1 {
		t.Fatalf("transports created = %d, want 1", created)
	}
	if connects != 1 {
		t.Fatalf("transport connects = %d, want 1", connects)
	}
}

func TestRegistryResetClearsAuthAndForgets(t *testing.T) {
	t.Parallel()

	fac := newFakeFactory()
	r := NewRegistry(context.Background(), Config{}, RegistryDeps{Factory: fac})

	s, err := r.GetOrCreate(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	fac.mu.Lock()
	tr := fac.tr["t1"]
	fac.mu.Unlock()
	tr.events().Opened()
	waitForState(t, s, StateLive)

	if err := r.Reset(context.Background(), "t1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := s.State(); got != StateIdle {
		t.Fatalf("state after reset = %s", got)
	}
	if _, err := r.Get("t1"); !errors.Is(err, ErrUnknownTenant) {
		t.Fatalf("Get after reset: %v, want ErrUnknownTenant", err)
	}

	fac.mu.Lock()
	cleared := append([]string(nil), fac.cleared...)
	fac.mu.Unlock()
	if len(cleared) != 1 || cleared[0] != "t1" {
		t.Fatalf("cleared = %v, want [t1]", cleared)
	}

	// Next GetOrCreate builds a fresh transport.
	if _, err := r.GetOrCreate(context.Background(), "t1"); err != nil {
		t.Fatalf("GetOrCreate after reset: %v", err)
	}
	fac.mu.Lock()
	created := len(fac.created)
	fac.mu.Unlock()
	if created != 2 {
		t.Fatalf("transports created = %d, want 2", created)
	}
}

func TestRegistryShutdownDisconnectsAll(t *testing.T) {
	t.Parallel()

	fac := newFakeFactory()
	r := NewRegistry(context.Background(), Config{}, RegistryDeps{Factory: fac})

	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.GetOrCreate(context.Background(), id); err != nil {
			t.Fatalf("GetOrCreate %s: %v", id, err)
		}
	}
	r.Shutdown(context.Background())

	if got := len(r.List()); got != 0 {
		t.Fatalf("sessions after shutdown = %d", got)
	}
	fac.mu.Lock()
	defer fac.mu.Unlock()
	for id, tr := range fac.tr {
		if tr.disconnects != 1 {
			t.Fatalf("tenant %s disconnects = %d, want 1", id, tr.disconnects)
		}
	}
}
