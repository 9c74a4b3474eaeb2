// Package retention implements data retention for the orchestrator's
// hot state. The janitor runs as a background goroutine: dead letters
// older than the retention window are archived to durable storage and
// then purged from the queue, and finished recipe executions past their
// window are pruned from the engine.
//
// Archiving is fail-safe: dead letters are never purged unless the
// archive write succeeded.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/willhutson/agentvbx/internal/queue"
	"github.com/willhutson/agentvbx/internal/recipe"
	"github.com/willhutson/agentvbx/pkg/models"
)

// DefaultDeadLetterWindow is how long dead letters stay queryable on
// the queue before they are archived away.
const DefaultDeadLetterWindow = 24 * time.Hour

// DefaultExecutionWindow is how long finished executions stay
// inspectable in the engine.
const DefaultExecutionWindow = 7 * 24 * time.Hour

// DefaultSweepInterval is how often the janitor runs.
const DefaultSweepInterval = time.Hour

// Archiver writes expired dead letters to durable storage and returns a
// locator for the written archive.
type Archiver interface {
	Kind() string
	ArchiveDeadLetters(ctx context.Context, letters []models.DeadLetter) (string, error)
}

// Janitor periodically sweeps expired hot state.
type Janitor struct {
	queue    *queue.Queue
	engine   *recipe.Engine
	archiver Archiver

	deadLetterWindow time.Duration
	executionWindow  time.Duration
	interval         time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithDeadLetterWindow overrides the dead-letter retention window.
func WithDeadLetterWindow(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.deadLetterWindow = d
		}
	}
}

// WithExecutionWindow overrides the finished-execution retention window.
func WithExecutionWindow(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.executionWindow = d
		}
	}
}

// WithSweepInterval overrides how often the janitor runs.
func WithSweepInterval(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.interval = d
		}
	}
}

// NewJanitor creates a janitor over the queue and engine. A nil
// archiver means expired dead letters are purged without archiving.
func NewJanitor(q *queue.Queue, e *recipe.Engine, a Archiver, opts ...Option) *Janitor {
	j := &Janitor{
		queue:            q,
		engine:           e,
		archiver:         a,
		deadLetterWindow: DefaultDeadLetterWindow,
		executionWindow:  DefaultExecutionWindow,
		interval:         DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start launches the sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	stopCh := j.stopCh
	j.mu.Unlock()

	go j.loop(ctx, stopCh)
	log.Info().
		Dur("interval", j.interval).
		Dur("dead_letter_window", j.deadLetterWindow).
		Dur("execution_window", j.executionWindow).
		Msg("🧹 Retention janitor started")
}

// Stop halts the sweep loop.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	j.running = false
	close(j.stopCh)
}

func (j *Janitor) loop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass. Exposed for tests and manual triggers.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	j.sweepDeadLetters(ctx, now.Add(-j.deadLetterWindow))

	if pruned := j.engine.PruneFinishedBefore(now.Add(-j.executionWindow)); pruned > 0 {
		log.Info().Int("count", pruned).Msg("Pruned expired recipe executions")
	}
}

func (j *Janitor) sweepDeadLetters(ctx context.Context, cutoff time.Time) {
	var expired []models.DeadLetter
	for _, dl := range j.queue.DeadLetters() {
		if !dl.MovedAt.After(cutoff) {
			expired = append(expired, dl)
		}
	}
	if len(expired) == 0 {
		return
	}

	if j.archiver != nil {
		path, err := j.archiver.ArchiveDeadLetters(ctx, expired)
		if err != nil {
			// Fail safe: keep the letters on the queue and retry on the
			// next sweep.
			log.Error().Err(err).Int("count", len(expired)).Msg("Dead letter archive failed, purge skipped")
			return
		}
		log.Info().
			Str("archive", path).
			Str("driver", j.archiver.Kind()).
			Int("count", len(expired)).
			Msg("Dead letters archived")
	}

	purged := j.queue.PurgeDeadLetters(cutoff)
	log.Info().Int("count", purged).Msg("Expired dead letters purged")
}
