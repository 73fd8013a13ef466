package app

import (
	"log"
	"time"

	"paysync/internal/instrument"
)

const (
	triggerBatchSize = 50
	cleanupInterval  = time.Hour
)

// Scheduler processes pending webhook triggers, prunes old spans and
// purges expired idempotency keys on background tickers.
type Scheduler struct {
	ac            *Context
	triggerTicker *time.Ticker
	cleanupTicker *time.Ticker
	done          chan struct{}
}

func NewScheduler(ac *Context) *Scheduler {
	return &Scheduler{ac: ac}
}

// Start begins the background tickers.
func (s *Scheduler) Start() {
	interval := time.Duration(s.ac.Config.Webhook.RetryIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.done = make(chan struct{})
	s.triggerTicker = time.NewTicker(interval)
	s.cleanupTicker = time.NewTicker(cleanupInterval)
	go s.run()
	log.Printf("Scheduler started (triggers: %s, cleanup: %s)", interval, cleanupInterval)
}

// Stop halts the background tickers.
func (s *Scheduler) Stop() {
	if s.triggerTicker != nil {
		s.triggerTicker.Stop()
	}
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
	}
	if s.done != nil {
		close(s.done)
	}
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.triggerTicker.C:
			s.processTriggers()
		case <-s.cleanupTicker.C:
			s.cleanupSpans()
			s.purgeIdempotencyKeys()
		}
	}
}

func (s *Scheduler) processTriggers() {
	n, err := s.ac.Processor.ProcessPending(s.ac.Background(), triggerBatchSize)
	if err != nil {
		log.Printf("ERROR: trigger scheduler query failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Trigger scheduler processed %d trigger(s)", n)
	}
}

func (s *Scheduler) cleanupSpans() {
	st := s.ac.Store
	if _, err := instrument.CleanupOldSpans(s.ac.Background(), st.DB, st.Dialect, s.ac.Config.Instrumentation.RetentionDays); err != nil {
		log.Printf("ERROR: %v", err)
	}
}

func (s *Scheduler) purgeIdempotencyKeys() {
	if _, err := s.ac.Syncer.PurgeExpiredIdempotencyKeys(s.ac.Background()); err != nil {
		log.Printf("ERROR: %v", err)
	}
}
