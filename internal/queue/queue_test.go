package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/willhutson/agentvbx/internal/queue"
	"github.com/willhutson/agentvbx/pkg/models"
)

func newTestQueue(t *testing.T, opts ...queue.Option) *queue.Queue {
	t.Helper()
	return queue.New(opts...)
}

func testMessage(channel models.Channel, text string) models.Message {
	return models.Message{
		TenantID:  "tenant-1",
		Channel:   channel,
		Direction: models.DirectionInbound,
		From:      "+15550100",
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}

// collector records handled envelopes in delivery order.
type collector struct {
	mu   sync.Mutex
	seen []string
	done chan struct{}
	want int
}

func newCollector(want int) *collector {
	return &collector{done: make(chan struct{}), want: want}
}

func (c *collector) handle(_ context.Context, env *models.QueueEnvelope) error {
	c.mu.Lock()
	c.seen = append(c.seen, env.Message.Text)
	if len(c.seen) == c.want {
		close(c.done)
	}
	c.mu.Unlock()
	return nil
}

func (c *collector) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

func TestLaneForChannel(t *testing.T) {
	cases := []struct {
		channel models.Channel
		want    models.Lane
	}{
		{models.ChannelVoice, models.LaneHigh},
		{models.ChannelChat, models.LaneMedium},
		{models.ChannelSMS, models.LaneMedium},
		{models.ChannelApp, models.LaneMedium},
		{models.Channel("email"), models.LaneLow},
	}
	for _, tc := range cases {
		if got := models.LaneForChannel(tc.channel); got != tc.want {
			t.Errorf("LaneForChannel(%q) = %q, want %q", tc.channel, got, tc.want)
		}
	}
}

func TestPublishAssignsLaneByChannel(t *testing.T) {
	q := newTestQueue(t)

	if _, err := q.Publish(testMessage(models.ChannelVoice, "call")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := q.Publish(testMessage(models.ChannelSMS, "text")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := q.Publish(testMessage(models.Channel("email"), "mail")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	depths := q.Depths()
	if depths[models.LaneHigh] != 1 || depths[models.LaneMedium] != 1 || depths[models.LaneLow] != 1 {
		t.Errorf("unexpected depths: %v", depths)
	}
}

func TestTakeDrainsLanesInPriorityOrder(t *testing.T) {
	q := newTestQueue(t)

	q.Publish(testMessage(models.Channel("email"), "low-1"))
	q.Publish(testMessage(models.ChannelChat, "medium-1"))
	q.Publish(testMessage(models.ChannelVoice, "high-1"))
	q.Publish(testMessage(models.ChannelVoice, "high-2"))

	batch := q.Take("test-consumer", 10)
	if len(batch) != 4 {
		t.Fatalf("took %d envelopes, want 4", len(batch))
	}
	want := []string{"high-1", "high-2", "medium-1", "low-1"}
	for i, env := range batch {
		if env.Message.Text != want[i] {
			t.Errorf("batch[%d] = %q, want %q", i, env.Message.Text, want[i])
		}
		if env.Attempts != 1 {
			t.Errorf("batch[%d] attempts = %d, want 1", i, env.Attempts)
		}
	}
	if q.Pending() != 4 {
		t.Errorf("pending = %d, want 4", q.Pending())
	}
}

func TestTakeHonorsBatchBound(t *testing.T) {
	q := newTestQueue(t)

	q.Publish(testMessage(models.ChannelVoice, "high-1"))
	q.Publish(testMessage(models.ChannelChat, "medium-1"))
	q.Publish(testMessage(models.ChannelChat, "medium-2"))

	batch := q.Take("test-consumer", 2)
	if len(batch) != 2 {
		t.Fatalf("took %d envelopes, want 2", len(batch))
	}
	if batch[0].Message.Text != "high-1" || batch[1].Message.Text != "medium-1" {
		t.Errorf("unexpected batch order: %q, %q", batch[0].Message.Text, batch[1].Message.Text)
	}
	if q.Depths()[models.LaneMedium] != 1 {
		t.Errorf("medium depth = %d, want 1", q.Depths()[models.LaneMedium])
	}
}

func TestFailedDeliveryRetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t,
		queue.WithBatchSize(1),
		queue.WithPollInterval(5*time.Millisecond),
		queue.WithMaxAttempts(3),
	)

	q.Publish(testMessage(models.ChannelChat, "poison"))

	var mu sync.Mutex
	attempts := 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, "test-consumer", func(_ context.Context, env *models.QueueEnvelope) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("handler exploded")
	})

	deadline := time.After(5 * time.Second)
	for {
		if len(q.DeadLetters()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("envelope never reached the dead letter lane")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	dead := q.DeadLetters()
	if dead[0].Envelope.Message.Text != "poison" {
		t.Errorf("wrong message dead lettered: %+v", dead[0])
	}
	if dead[0].Envelope.Attempts != 3 {
		t.Errorf("dead letter attempts = %d, want 3", dead[0].Envelope.Attempts)
	}
	if q.Depths()[models.LaneMedium] != 0 {
		t.Errorf("lane should be empty after dead lettering")
	}
}

func TestSuccessfulDeliveryIsAcked(t *testing.T) {
	q := newTestQueue(t, queue.WithPollInterval(5*time.Millisecond))

	q.Publish(testMessage(models.ChannelChat, "ok"))

	c := newCollector(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, "test-consumer", c.handle)
	c.wait(t)

	// Settled envelopes leave the pending list.
	deadline := time.After(2 * time.Second)
	for q.Pending() != 0 {
		select {
		case <-deadline:
			t.Fatalf("pending = %d after ack, want 0", q.Pending())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if len(q.DeadLetters()) != 0 {
		t.Errorf("unexpected dead letters: %v", q.DeadLetters())
	}
}

func TestClaimReassignsStalePending(t *testing.T) {
	q := newTestQueue(t, queue.WithBatchSize(1), queue.WithPollInterval(5*time.Millisecond))

	q.Publish(testMessage(models.ChannelChat, "stuck"))

	// A consumer that takes the envelope and never settles it.
	stuck := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ctx, cancel := context.WithCancel(context.Background())
	go q.Consume(ctx, "dead-consumer", func(_ context.Context, _ *models.QueueEnvelope) error {
		close(stuck)
		<-release
		return nil
	})

	select {
	case <-stuck:
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never delivered")
	}
	cancel()

	if q.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", q.Pending())
	}

	reclaimed := q.Claim("rescue-consumer", 0)
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed %d envelopes, want 1", len(reclaimed))
	}
	if q.Pending() != 0 {
		t.Errorf("pending = %d after claim, want 0", q.Pending())
	}
	if q.Depths()[models.LaneMedium] != 1 {
		t.Errorf("envelope not back on its lane: %v", q.Depths())
	}
}

func TestClaimSkipsOwnInFlightDeliveries(t *testing.T) {
	q := newTestQueue(t, queue.WithBatchSize(1), queue.WithPollInterval(5*time.Millisecond))

	q.Publish(testMessage(models.ChannelChat, "awaiting approval"))

	// A handler parked indefinitely, like a recipe waiting on a gate.
	var mu sync.Mutex
	deliveries := 0
	taken := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Consume(ctx, "orchestrator-1", func(_ context.Context, _ *models.QueueEnvelope) error {
		mu.Lock()
		deliveries++
		if deliveries == 1 {
			close(taken)
		}
		mu.Unlock()
		<-release
		return nil
	})

	select {
	case <-taken:
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never delivered")
	}

	// The owning consumer must not reclaim its own live delivery, no
	// matter how long the handler has been waiting.
	if got := q.Claim("orchestrator-1", 0); len(got) != 0 {
		t.Fatalf("claimed %d of own envelopes, want 0", len(got))
	}
	if q.Pending() != 1 {
		t.Errorf("pending = %d after self-claim, want 1", q.Pending())
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	got := deliveries
	mu.Unlock()
	if got != 1 {
		t.Errorf("message delivered %d times while handler was alive, want 1", got)
	}

	// A different consumer may still rescue it.
	if got := q.Claim("rescue-consumer", 0); len(got) != 1 {
		t.Errorf("peer claimed %d envelopes, want 1", len(got))
	}
}

func TestShutdownInterruptionDoesNotBurnAttempt(t *testing.T) {
	q := newTestQueue(t, queue.WithMaxAttempts(1), queue.WithPollInterval(5*time.Millisecond))

	q.Publish(testMessage(models.ChannelChat, "in flight"))

	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go q.Consume(ctx, "test-consumer", func(ctx context.Context, _ *models.QueueEnvelope) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never delivered")
	}
	cancel()
	if !q.Drain(2 * time.Second) {
		t.Fatal("in-flight handler never settled")
	}

	if len(q.DeadLetters()) != 0 {
		t.Errorf("shutdown dead-lettered the in-flight envelope: %v", q.DeadLetters())
	}
	if q.Depths()[models.LaneMedium] != 1 {
		t.Errorf("envelope not requeued: %v", q.Depths())
	}

	// The interrupted delivery did not count: the redelivery is still
	// the first real attempt.
	batch := q.Take("test-consumer", 1)
	if len(batch) != 1 {
		t.Fatalf("took %d envelopes, want 1", len(batch))
	}
	if batch[0].Attempts != 1 {
		t.Errorf("redelivery attempts = %d, want 1", batch[0].Attempts)
	}
}

func TestPublishToOverridesLane(t *testing.T) {
	q := newTestQueue(t)

	if _, err := q.PublishTo(testMessage(models.Channel("email"), "urgent"), models.LaneHigh); err != nil {
		t.Fatalf("PublishTo: %v", err)
	}
	if q.Depths()[models.LaneHigh] != 1 {
		t.Errorf("expected envelope on high lane: %v", q.Depths())
	}
}
