// Package queue implements the durable priority queue at the front of
// the orchestrator.
//
// Messages are partitioned into three priority lanes (voice → high,
// chat/sms/app → medium, everything else → low) plus a dead-letter
// lane. Delivery is at-least-once: an envelope is handed to the handler
// before acknowledgment, and a failing handler puts it back on its lane
// with the attempt counter bumped. Once attempts reach the envelope's
// max, it moves to the dead-letter lane with the causing error attached.
//
// Delivered-but-unacknowledged envelopes are tracked in a pending-entries
// list per consumer, so a second consumer can Claim and retry entries a
// crashed consumer never acknowledged.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/willhutson/agentvbx/pkg/models"
)

// Handler processes one delivered envelope. A non-nil error leaves the
// envelope unacknowledged and schedules a redelivery.
type Handler func(ctx context.Context, env *models.QueueEnvelope) error

// DefaultBatchSize bounds how many envelopes a single poll cycle drains
// across all lanes.
const DefaultBatchSize = 8

// DefaultPollInterval is how long Consume sleeps when all lanes are empty.
const DefaultPollInterval = 100 * time.Millisecond

// Queue is an in-memory priority queue with consumer-group semantics.
type Queue struct {
	mu      sync.Mutex
	lanes   map[models.Lane][]*models.QueueEnvelope
	pending map[string]*models.QueueEnvelope // envelope id → in-flight delivery
	dead    []*models.DeadLetter
	notify  chan struct{}

	batchSize    int
	pollInterval time.Duration
	maxAttempts  int

	// wg tracks in-flight handler goroutines for Drain.
	wg sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithBatchSize overrides the batch bound per poll cycle.
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithPollInterval overrides the idle poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithMaxAttempts overrides the delivery attempt bound for new envelopes.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		lanes: map[models.Lane][]*models.QueueEnvelope{
			models.LaneHigh:   nil,
			models.LaneMedium: nil,
			models.LaneLow:    nil,
		},
		pending:      make(map[string]*models.QueueEnvelope),
		notify:       make(chan struct{}, 1),
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		maxAttempts:  models.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// consumeOrder is the strict lane drain order for every poll cycle.
var consumeOrder = []models.Lane{models.LaneHigh, models.LaneMedium, models.LaneLow}

// Publish enqueues a message, resolving its lane from the channel.
// Returns the generated envelope id.
func (q *Queue) Publish(msg models.Message) (string, error) {
	return q.PublishTo(msg, models.LaneForChannel(msg.Channel))
}

// PublishTo enqueues a message onto an explicit lane.
func (q *Queue) PublishTo(msg models.Message, lane models.Lane) (string, error) {
	env := &models.QueueEnvelope{
		ID:          uuid.New().String(),
		Lane:        lane,
		Message:     msg,
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}

	q.mu.Lock()
	q.lanes[lane] = append(q.lanes[lane], env)
	q.mu.Unlock()
	q.wake()

	log.Debug().
		Str("envelope_id", env.ID).
		Str("lane", string(lane)).
		Str("channel", string(msg.Channel)).
		Msg("Message published")
	return env.ID, nil
}

// Consume runs the delivery loop until ctx is cancelled. Each poll
// cycle takes up to batchSize envelopes in strict lane priority order.
// Every envelope's handler runs on its own goroutine so a slow or
// paused handler (e.g. a recipe waiting on approval) never blocks the
// loop; at-least-once ordering within a lane is still preserved because
// an envelope is only redelivered after its handler fails.
func (q *Queue) Consume(ctx context.Context, consumerID string, h Handler) error {
	log.Info().Str("consumer", consumerID).Msg("Queue consumer started")
	for {
		batch := q.Take(consumerID, q.batchSize)
		for _, env := range batch {
			env := env
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				q.deliver(ctx, env, h)
			}()
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			log.Info().Str("consumer", consumerID).Msg("Queue consumer stopped")
			return ctx.Err()
		case <-q.notify:
		case <-time.After(q.pollInterval):
		}
	}
}

// Take pulls up to max envelopes in strict lane priority order (a lower
// lane is only read once every lane above it is empty) and marks them
// pending for the consumer. Each take counts as a delivery attempt.
func (q *Queue) Take(consumerID string, max int) []*models.QueueEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var batch []*models.QueueEnvelope
	for _, lane := range consumeOrder {
		n := max - len(batch)
		if n > len(q.lanes[lane]) {
			n = len(q.lanes[lane])
		}
		for i := 0; i < n; i++ {
			env := q.lanes[lane][i]
			env.Attempts++
			env.Consumer = consumerID
			t := now
			env.DeliveredAt = &t
			q.pending[env.ID] = env
			batch = append(batch, env)
		}
		q.lanes[lane] = q.lanes[lane][n:]
		if len(batch) == max {
			break
		}
	}
	return batch
}

// deliver runs the handler and settles the envelope: ack on success,
// requeue or dead-letter on failure.
func (q *Queue) deliver(ctx context.Context, env *models.QueueEnvelope, h Handler) {
	err := h(ctx, env)
	if err == nil {
		q.Ack(env.ID)
		return
	}

	// A cancelled delivery context means shutdown interrupted the
	// handler, not that the handler rejected the envelope. Requeue
	// without burning an attempt so the next process run retries it.
	if ctx.Err() != nil {
		q.mu.Lock()
		delete(q.pending, env.ID)
		env.Consumer = ""
		env.DeliveredAt = nil
		if env.Attempts > 0 {
			env.Attempts--
		}
		q.lanes[env.Lane] = append(q.lanes[env.Lane], env)
		q.mu.Unlock()
		log.Info().
			Str("envelope_id", env.ID).
			Str("lane", string(env.Lane)).
			Msg("Delivery interrupted by shutdown, envelope requeued")
		return
	}

	q.mu.Lock()
	delete(q.pending, env.ID)
	env.Consumer = ""
	env.DeliveredAt = nil

	if env.Attempts >= env.MaxAttempts {
		q.dead = append(q.dead, &models.DeadLetter{
			Envelope:  *env,
			LastError: err.Error(),
			MovedAt:   time.Now().UTC(),
		})
		q.mu.Unlock()
		// Dead-lettering is a successful terminal disposition for the
		// consumer loop, not an error.
		log.Warn().
			Str("envelope_id", env.ID).
			Str("lane", string(env.Lane)).
			Int("attempts", env.Attempts).
			Err(err).
			Msg("Envelope dead-lettered")
		return
	}

	// Requeue at the back of the lane so a poison message cannot wedge
	// the lane head.
	q.lanes[env.Lane] = append(q.lanes[env.Lane], env)
	q.mu.Unlock()
	q.wake()

	log.Warn().
		Str("envelope_id", env.ID).
		Int("attempt", env.Attempts).
		Int("max_attempts", env.MaxAttempts).
		Err(err).
		Msg("Handler failed, envelope requeued")
}

// Ack acknowledges an envelope, removing it from the pending-entries
// list. Acknowledging an unknown id is a no-op.
func (q *Queue) Ack(envelopeID string) {
	q.mu.Lock()
	delete(q.pending, envelopeID)
	q.mu.Unlock()
}

// Claim reassigns another consumer's pending envelopes that have been
// idle for at least minIdle to the given consumer and puts them back on
// their lanes for redelivery. Returns copies of the claimed envelopes.
// This is how a consumer recovers messages a crashed peer delivered but
// never acked. A consumer never claims its own deliveries: its handler
// goroutines are alive in this process, and a long-idle entry usually
// means a recipe paused at an approval gate, not a lost message.
func (q *Queue) Claim(consumerID string, minIdle time.Duration) []models.QueueEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var claimed []models.QueueEnvelope
	for id, env := range q.pending {
		if env.Consumer == consumerID {
			continue
		}
		if env.DeliveredAt == nil || now.Sub(*env.DeliveredAt) < minIdle {
			continue
		}
		delete(q.pending, id)
		env.Consumer = consumerID
		env.DeliveredAt = nil
		q.lanes[env.Lane] = append(q.lanes[env.Lane], env)
		claimed = append(claimed, *env)
	}
	if len(claimed) > 0 {
		q.wakeLocked()
		log.Info().Str("consumer", consumerID).Int("count", len(claimed)).Msg("Claimed stale pending envelopes")
	}
	return claimed
}

// Depths returns the current per-lane depth, including the dead-letter
// lane. Exposed on the health endpoint for monitoring.
func (q *Queue) Depths() map[models.Lane]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[models.Lane]int{
		models.LaneHigh:   len(q.lanes[models.LaneHigh]),
		models.LaneMedium: len(q.lanes[models.LaneMedium]),
		models.LaneLow:    len(q.lanes[models.LaneLow]),
		models.LaneDead:   len(q.dead),
	}
}

// Pending returns the number of delivered-but-unacked envelopes.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DeadLetters returns a copy of the dead-letter lane for triage.
func (q *Queue) DeadLetters() []models.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.DeadLetter, len(q.dead))
	for i, d := range q.dead {
		out[i] = *d
	}
	return out
}

// PurgeDeadLetters removes dead letters moved at or before the cutoff
// and returns how many were dropped. Callers archive first; the queue
// never deletes on its own.
func (q *Queue) PurgeDeadLetters(before time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.dead[:0]
	purged := 0
	for _, dl := range q.dead {
		if dl.MovedAt.After(before) {
			kept = append(kept, dl)
		} else {
			purged++
		}
	}
	q.dead = kept
	return purged
}

// Drain blocks until all in-flight handlers have settled, or the
// timeout expires. Returns true if fully drained.
func (q *Queue) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// wakeLocked is wake for callers already holding q.mu; the channel send
// itself does not need the lock.
func (q *Queue) wakeLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
