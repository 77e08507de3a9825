// Package dispatch runs paced broadcast sends for a tenant session.
//
// A run walks the recipient list in order, split into fixed-size batches,
// waiting between individual sends and again between batches. Delays are
// inserted only between work: never after the last recipient of a batch,
// never after the final batch. Per-recipient send failures are absorbed
// into the run's error count and the run continues.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/eventbus"
	"groupcast/internal/notify"
	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

// Sender is the slice of a tenant session a run needs. Done is the
// session's connection epoch; when it ends the run cancels.
type Sender interface {
	TenantID() string
	Live() bool
	Done() <-chan struct{}
	Send(ctx context.Context, to transport.RecipientID, p transport.Payload) error
}

var (
	// ErrNotConnected rejects a run when the tenant session is not live.
	ErrNotConnected = errors.New("dispatch: session not connected")
	// ErrEmptyRecipients rejects a run with no targets.
	ErrEmptyRecipients = errors.New("dispatch: no recipients selected")
	// ErrAlreadyRunning rejects a run while the tenant has one in flight.
	ErrAlreadyRunning = errors.New("dispatch: run already in progress")
)

// Pacing are the anti-ban timings for one run, in seconds as configured
// by the tenant.
type Pacing struct {
	DelayBetweenGroups int
	MaxGroupsPerBatch  int
	BatchDelay         int
}

func (p Pacing) withDefaults() Pacing {
	if p.DelayBetweenGroups <= 0 {
		p.DelayBetweenGroups = 5
	}
	if p.MaxGroupsPerBatch <= 0 {
		p.MaxGroupsPerBatch = 10
	}
	if p.BatchDelay <= 0 {
		p.BatchDelay = 30
	}
	return p
}

// Result summarizes a completed (or canceled) run.
type Result struct {
	JobID        string
	SuccessCount int
	ErrorCount   int
	Canceled     bool
	Elapsed      time.Duration
}

// waitFn blocks for d or until ctx is done. Injected so tests can count
// delays without sleeping.
type waitFn func(ctx context.Context, d time.Duration) error

func sleepWait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatcher executes broadcast runs, one at a time per tenant.
type Dispatcher struct {
	log  logx.Logger
	sink notify.Sink
	bus  eventbus.Bus
	wait waitFn

	mu       sync.Mutex
	inFlight map[string]struct{}
}

type Option func(*Dispatcher)

// WithWaitFunc replaces the pacing sleep (tests).
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.wait = fn }
}

func New(log logx.Logger, sink notify.Sink, bus eventbus.Bus, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	d := &Dispatcher{
		log:      log,
		sink:     sink,
		bus:      bus,
		wait:     sleepWait,
		inFlight: map[string]struct{}{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Running reports whether the tenant has a run in flight.
func (d *Dispatcher) Running(tenantID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[tenantID]
	return ok
}

// Run sends payload to every recipient in order, honoring the pacing
// schedule. It blocks until the run finishes or is canceled through ctx
// or the session epoch ending. Send failures do not abort the run.
func (d *Dispatcher) Run(ctx context.Context, sess Sender, recipients []transport.RecipientID, payload transport.Payload, pacing Pacing) (Result, error) {
	if len(recipients) == 0 {
		return Result{}, ErrEmptyRecipients
	}
	if !sess.Live() {
		return Result{}, ErrNotConnected
	}

	tenantID := sess.TenantID()
	d.mu.Lock()
	if _, busy := d.inFlight[tenantID]; busy {
		d.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	d.inFlight[tenantID] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, tenantID)
		d.mu.Unlock()
	}()

	pacing = pacing.withDefaults()
	jobID := uuid.NewString()
	log := d.log.With(logx.String("tenant", tenantID), logx.String("job", jobID))

	// The run stops when the caller cancels or the session's connection
	// epoch ends (disconnect, reset, terminal close).
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	total := len(recipients)
	batches := chunk(recipients, pacing.MaxGroupsPerBatch)
	log.Info("dispatch run started",
		logx.Int("recipients", total),
		logx.Int("batches", len(batches)),
		logx.Int("delay_between_groups", pacing.DelayBetweenGroups),
		logx.Int("batch_delay", pacing.BatchDelay))
	d.sink.LogLine(tenantID, "info", "broadcast started")

	start := time.Now()
	res := Result{JobID: jobID}
	sent := 0

loop:
	for bi, batch := range batches {
		for ri, to := range batch {
			if runCtx.Err() != nil {
				res.Canceled = true
				break loop
			}
			if err := sess.Send(runCtx, to, payload); err != nil {
				if runCtx.Err() != nil {
					res.Canceled = true
					break loop
				}
				res.ErrorCount++
				log.Warn("send failed", logx.String("recipient", string(to)), logx.Err(err))
				d.sink.LogLine(tenantID, "error", "send failed for one recipient")
			} else {
				res.SuccessCount++
			}
			sent++
			d.sink.DispatchProgress(tenantID, sent, total)

			if ri < len(batch)-1 {
				if err := d.wait(runCtx, time.Duration(pacing.DelayBetweenGroups)*time.Second); err != nil {
					res.Canceled = true
					break loop
				}
			}
		}
		if bi < len(batches)-1 {
			if err := d.wait(runCtx, time.Duration(pacing.BatchDelay)*time.Second); err != nil {
				res.Canceled = true
				break loop
			}
		}
	}

	res.Elapsed = time.Since(start)
	log.Info("dispatch run finished",
		logx.Int("success", res.SuccessCount),
		logx.Int("errors", res.ErrorCount),
		logx.Bool("canceled", res.Canceled),
		logx.Duration("elapsed", res.Elapsed))
	d.sink.LogLine(tenantID, "success", "broadcast finished")
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Type:     eventbus.TypeDispatchFinished,
			TenantID: tenantID,
			Data: notify.DispatchFinishedEvent{
				JobID:        jobID,
				SuccessCount: res.SuccessCount,
				ErrorCount:   res.ErrorCount,
			},
		})
	}
	return res, nil
}

// chunk splits ids into consecutive slices of at most size, preserving
// order.
func chunk(ids []transport.RecipientID, size int) [][]transport.RecipientID {
	var out [][]transport.RecipientID
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	return append(out, ids)
}
