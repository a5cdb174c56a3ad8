package sync

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"petsync/internal/config"
	"petsync/internal/logger"
	"petsync/internal/remote"
)

type RetryClass int

const (
	RetryTransient RetryClass = iota
	RetryPermanent
)

// Scheduler drives bounded-exponential-backoff retries for queued
// mutation delivery. It runs only while the process considers itself
// online: connectivity loss pauses it, and a backoff sleep in progress
// is cut short the moment connectivity returns.
type Scheduler struct {
	base       time.Duration
	max        time.Duration
	maxRetries int

	cron    *cron.Cron
	entryID cron.EntryID

	mu     sync.Mutex
	online bool
	wake   chan struct{}
}

func NewScheduler(cfg config.RetryConfig) *Scheduler {
	return &Scheduler{
		base:       cfg.GetBaseDelay(),
		max:        cfg.GetMaxDelay(),
		maxRetries: cfg.MaxRetries,
		online:     true,
		wake:       make(chan struct{}),
	}
}

// Delay returns the backoff for the given attempt: base * 2^attempt,
// capped at max. Jitter is added separately in Wait so this stays
// strictly increasing until the cap.
func (s *Scheduler) Delay(attempt int) time.Duration {
	d := s.base
	for i := 0; i < attempt; i++ {
		if d >= s.max {
			break
		}
		d *= 2
	}
	if d > s.max {
		d = s.max
	}
	return d
}

// jittered adds up to 25% on top of the base delay so a fleet of clients
// reconnecting at once does not retry in lockstep.
func (s *Scheduler) jittered(attempt int) time.Duration {
	d := s.Delay(attempt)
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// Wait sleeps out the backoff for attempt. The sleep is a cancellable
// suspension: it ends early with nil when connectivity flips (no point
// waiting out a stale delay) and with ctx.Err() on cancellation.
func (s *Scheduler) Wait(ctx context.Context, attempt int) error {
	s.mu.Lock()
	wake := s.wake
	s.mu.Unlock()

	t := time.NewTimer(s.jittered(attempt))
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetOnline records the connectivity signal and wakes any sleeper.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Classify maps an error onto the retry taxonomy. Only transport-level
// classification is trusted; message text is never inspected.
func (s *Scheduler) Classify(err error) RetryClass {
	if remote.IsPermanent(err) {
		return RetryPermanent
	}
	return RetryTransient
}

// Exhausted reports whether an operation has hit the retry ceiling,
// converting its transient failure into a permanent one.
func (s *Scheduler) Exhausted(retries int) bool {
	return retries >= s.maxRetries
}

// StartPeriodic registers a background queue drain on the configured
// cron interval. Drains are skipped while offline.
func (s *Scheduler) StartPeriodic(interval string, drain func()) error {
	s.cron = cron.New()

	id, err := s.cron.AddFunc(interval, func() {
		if !s.Online() {
			return
		}
		drain()
	})
	if err != nil {
		return err
	}

	s.entryID = id
	s.cron.Start()

	logger.Log.Info("Started periodic drain", zap.String("interval", interval))
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
