package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/notify"
	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

type fakeSender struct {
	tenant string
	live   bool
	done   chan struct{}

	mu    sync.Mutex
	sends []transport.RecipientID
	fail  map[transport.RecipientID]bool
	block chan struct{} // when set, Send waits on it
}

func newFakeSender(tenant string) *fakeSender {
	return &fakeSender{tenant: tenant, live: true, done: make(chan struct{}), fail: map[transport.RecipientID]bool{}}
}

func (f *fakeSender) TenantID() string      { return f.tenant }
func (f *fakeSender) Live() bool            { return f.live }
func (f *fakeSender) Done() <-chan struct{} { return f.done }

func (f *fakeSender) Send(ctx context.Context, to transport.RecipientID, _ transport.Payload) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.sends = append(f.sends, to)
	failed := f.fail[to]
	f.mu.Unlock()
	if failed {
		return fmt.Errorf("%w: %s", transport.ErrSendFailed, to)
	}
	return nil
}

func (f *fakeSender) sent() []transport.RecipientID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.RecipientID(nil), f.sends...)
}

// recordingWait collects requested delays instead of sleeping.
type recordingWait struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingWait) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func (r *recordingWait) total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum time.Duration
	for _, d := range r.delays {
		sum += d
	}
	return sum
}

func recipients(n int) []transport.RecipientID {
	out := make([]transport.RecipientID, n)
	for i := range out {
		out[i] = transport.RecipientID(fmt.Sprintf("g%03d", i))
	}
	return out
}

func TestRunOrderAndCounts(t *testing.T) {
	t.Parallel()

	rw := &recordingWait{}
	d := New(logx.Nop(), notify.Nop{}, nil, WithWaitFunc(rw.wait))
	s := newFakeSender("t1")
	ids := recipients(7)

	res, err := d.Run(context.Background(), s, ids, transport.Payload{Text: "hi"}, Pacing{
		DelayBetweenGroups: 5, MaxGroupsPerBatch: 3, BatchDelay: 30,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SuccessCount != 7 || res.ErrorCount != 0 {
		t.Fatalf("counts = %d/%d, want 7/0", res.SuccessCount, res.ErrorCount)
	}
	got := s.sent()
	if len(got) != 7 {
		t.Fatalf("sent %d, want 7", len(got))
	}
	for i, id := range got {
		if id != ids[i] {
			t.Fatalf("send %d = %s, want %s (order must be preserved)", i, id, ids[i])
		}
	}
}

// Delay accounting: n recipients in batches of b produce n-ceil(n/b)
// inter-send delays and ceil(n/b)-1 inter-batch delays, nothing trailing.
func TestRunDelaySchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		n, batch   int
		groupDelay int
		batchDelay int
		wantTotal  time.Duration
	}{
		{"single batch", 3, 10, 5, 30, 2 * 5 * time.Second},
		{"exact batches", 20, 10, 5, 30, (18*5 + 1*30) * time.Second},
		{"remainder batch", 23, 10, 5, 30, (20*5 + 2*30) * time.Second}, // 160s
		{"one recipient", 1, 10, 5, 30, 0},
		{"batch of one", 3, 1, 5, 30, 2 * 30 * time.Second},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rw := &recordingWait{}
			d := New(logx.Nop(), notify.Nop{}, nil, WithWaitFunc(rw.wait))
			s := newFakeSender("t1")

			res, err := d.Run(context.Background(), s, recipients(tc.n), transport.Payload{}, Pacing{
				DelayBetweenGroups: tc.groupDelay,
				MaxGroupsPerBatch:  tc.batch,
				BatchDelay:         tc.batchDelay,
			})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.SuccessCount != tc.n {
				t.Fatalf("success = %d, want %d", res.SuccessCount, tc.n)
			}
			if got := rw.total(); got != tc.wantTotal {
				t.Fatalf("total delay = %v, want %v", got, tc.wantTotal)
			}
		})
	}
}

func TestRunAbsorbsSendFailures(t *testing.T) {
	t.Parallel()

	rw := &recordingWait{}
	d := New(logx.Nop(), notify.Nop{}, nil, WithWaitFunc(rw.wait))
	s := newFakeSender("t1")
	ids := recipients(5)
	s.fail[ids[1]] = true
	s.fail[ids[3]] = true

	res, err := d.Run(context.Background(), s, ids, transport.Payload{}, Pacing{MaxGroupsPerBatch: 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SuccessCount != 3 || res.ErrorCount != 2 {
		t.Fatalf("counts = %d/%d, want 3/2", res.SuccessCount, res.ErrorCount)
	}
	if len(s.sent()) != 5 {
		t.Fatalf("run must continue past failures, sent %d of 5", len(s.sent()))
	}
}

func TestRunPreconditions(t *testing.T) {
	t.Parallel()

	d := New(logx.Nop(), notify.Nop{}, nil)
	s := newFakeSender("t1")

	if _, err := d.Run(context.Background(), s, nil, transport.Payload{}, Pacing{}); !errors.Is(err, ErrEmptyRecipients) {
		t.Fatalf("empty recipients: err = %v, want ErrEmptyRecipients", err)
	}

	s.live = false
	if _, err := d.Run(context.Background(), s, recipients(1), transport.Payload{}, Pacing{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("not live: err = %v, want ErrNotConnected", err)
	}
}

func TestRunSingleFlightPerTenant(t *testing.T) {
	t.Parallel()

	d := New(logx.Nop(), notify.Nop{}, nil)
	s := newFakeSender("t1")
	s.block = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := d.Run(context.Background(), s, recipients(2), transport.Payload{}, Pacing{})
		errc <- err
	}()

	// Wait until the first run registers as in flight.
	deadline := time.After(2 * time.Second)
	for !d.Running("t1") {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := d.Run(context.Background(), s, recipients(1), transport.Payload{}, Pacing{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second run: err = %v, want ErrAlreadyRunning", err)
	}

	// A different tenant is not blocked.
	s2 := newFakeSender("t2")
	if _, err := d.Run(context.Background(), s2, recipients(1), transport.Payload{}, Pacing{}); err != nil {
		t.Fatalf("other tenant run: %v", err)
	}

	close(s.block)
	if err := <-errc; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if d.Running("t1") {
		t.Fatal("in-flight flag not cleared")
	}
}

func TestRunCancelsWhenSessionEpochEnds(t *testing.T) {
	t.Parallel()

	rw := &recordingWait{}
	d := New(logx.Nop(), notify.Nop{}, nil, WithWaitFunc(func(ctx context.Context, dur time.Duration) error {
		// Real wait so the epoch close lands mid-run.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return rw.wait(ctx, dur)
		}
	}))
	s := newFakeSender("t1")

	go func() {
		time.Sleep(15 * time.Millisecond)
		close(s.done)
	}()

	res, err := d.Run(context.Background(), s, recipients(50), transport.Payload{}, Pacing{
		DelayBetweenGroups: 1, MaxGroupsPerBatch: 10, BatchDelay: 1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Canceled {
		t.Fatal("run should report canceled")
	}
	if res.SuccessCount >= 50 {
		t.Fatal("run should stop before completing all sends")
	}
}

func TestRunPublishesFinishedEvent(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sub := bus.Subscribe(16)
	defer sub.Close()

	rw := &recordingWait{}
	d := New(logx.Nop(), notify.Nop{}, bus, WithWaitFunc(rw.wait))
	s := newFakeSender("t1")
	ids := recipients(3)
	s.fail[ids[0]] = true

	res, err := d.Run(context.Background(), s, ids, transport.Payload{}, Pacing{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.JobID == "" {
		t.Fatal("job id must be set")
	}

	select {
	case ev := <-sub.C:
		if ev.Type != eventbus.TypeDispatchFinished || ev.TenantID != "t1" {
			t.Fatalf("event = %s/%s", ev.Type, ev.TenantID)
		}
		data, ok := ev.Data.(notify.DispatchFinishedEvent)
		if !ok {
			t.Fatalf("data type %T", ev.Data)
		}
		if data.JobID != res.JobID || data.SuccessCount != 2 || data.ErrorCount != 1 {
			t.Fatalf("data = %+v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no finished event")
	}
}

func TestChunk(t *testing.T) {
	t.Parallel()

	got := chunk(recipients(23), 10)
	if len(got) != 3 {
		t.Fatalf("batches = %d, want 3", len(got))
	}
	if len(got[0]) != 10 || len(got[1]) != 10 || len(got[2]) != 3 {
		t.Fatalf("batch sizes = %d/%d/%d", len(got[0]), len(got[1]), len(got[2]))
	}
}
