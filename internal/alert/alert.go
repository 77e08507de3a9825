// Package alert pushes operator notifications to a Telegram chat.
//
// Alerts are operational, not tenant-facing: a tenant whose session gave
// up reconnecting, or a broadcast run that finished with failures. The
// channel is optional and off by default.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"groupcast/internal/eventbus"
	"groupcast/internal/notify"
	rtsup "groupcast/internal/runtime/supervisor"
	"groupcast/pkg/logx"
)

type Config struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

// Service forwards selected bus events to the operator chat.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	bot *tele.Bot

	sup *rtsup.Supervisor
	sub *eventbus.Subscription
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert: chat id is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("alert: create bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus, bot: b}, nil
}

func (s *Service) Start(ctx context.Context) {
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "alert"))))
	s.sub = s.bus.Subscribe(64)
	s.sup.Go0("alert.consume", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-s.sub.C:
				if !ok {
					return
				}
				s.handle(ev)
			}
		}
	})
}

func (s *Service) Stop(ctx context.Context) {
	if s.sub != nil {
		s.sub.Close()
	}
	if s.sup != nil {
		_ = s.sup.Stop(ctx)
	}
}

func (s *Service) handle(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeRetriesExhausted:
		attempts := 0
		if d, ok := ev.Data.(notify.RetriesExhaustedEvent); ok {
			attempts = d.Attempts
		}
		s.send(fmt.Sprintf("⚠️ tenant %s: reconnect attempts exhausted after %d tries", ev.TenantID, attempts))
	case eventbus.TypeDispatchFinished:
		d, ok := ev.Data.(notify.DispatchFinishedEvent)
		if !ok || d.ErrorCount == 0 {
			return
		}
		s.send(fmt.Sprintf("⚠️ tenant %s: broadcast %s finished with %d failures (%d ok)",
			ev.TenantID, d.JobID, d.ErrorCount, d.SuccessCount))
	}
}

func (s *Service) send(text string) {
	if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text); err != nil {
		s.log.Warn("alert send failed", logx.Err(err))
	}
}
