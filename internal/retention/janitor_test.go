package retention_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/willhutson/agentvbx/internal/queue"
	"github.com/willhutson/agentvbx/internal/recipe"
	"github.com/willhutson/agentvbx/internal/retention"
	"github.com/willhutson/agentvbx/pkg/models"
)

// deadLetterQueue returns a queue holding one dead letter.
func deadLetterQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(
		queue.WithMaxAttempts(1),
		queue.WithPollInterval(5*time.Millisecond),
	)
	if _, err := q.Publish(models.Message{
		TenantID:  "tenant-1",
		Channel:   models.ChannelChat,
		Direction: models.DirectionInbound,
		From:      "+15550100",
		Text:      "doomed",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Consume(ctx, "janitor-test", func(context.Context, *models.QueueEnvelope) error {
		return errors.New("handler down")
	})

	deadline := time.Now().Add(5 * time.Second)
	for len(q.DeadLetters()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for dead letter")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	return q
}

func finishedEngine(t *testing.T) *recipe.Engine {
	t.Helper()
	eng := recipe.NewEngine()
	eng.RegisterHandler("agent", recipe.HandlerFunc(func(context.Context, *models.RecipeExecution, *models.Step, interface{}) (*recipe.StepOutcome, error) {
		return &recipe.StepOutcome{Output: "done"}, nil
	}))
	def := &models.RecipeDefinition{
		Name:  "sweep-me",
		Steps: []models.Step{{Name: "only", Type: models.StepAgent, Agent: "helper"}},
	}
	if _, err := eng.Execute(context.Background(), def, recipe.Trigger{Channel: models.ChannelChat}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	return eng
}

func TestSweepArchivesAndPurgesExpiredDeadLetters(t *testing.T) {
	q := deadLetterQueue(t)
	eng := finishedEngine(t)

	dir := t.TempDir()
	archiver := retention.NewLocalFileArchiver(dir, false)
	j := retention.NewJanitor(q, eng, archiver,
		retention.WithDeadLetterWindow(time.Nanosecond),
		retention.WithExecutionWindow(time.Nanosecond),
	)

	j.Sweep(context.Background())

	if got := len(q.DeadLetters()); got != 0 {
		t.Errorf("DeadLetters() after sweep = %d, want 0", got)
	}
	if got := len(eng.Executions()); got != 0 {
		t.Errorf("Executions() after sweep = %d, want 0", got)
	}

	files, err := os.ReadDir(filepath.Join(dir, "dead_letters"))
	if err != nil {
		t.Fatalf("reading archive dir: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("archive files = %d, want 1", len(files))
	}
}

func TestSweepKeepsDeadLettersInsideWindow(t *testing.T) {
	q := deadLetterQueue(t)
	j := retention.NewJanitor(q, recipe.NewEngine(), retention.NewLocalFileArchiver(t.TempDir(), false),
		retention.WithDeadLetterWindow(time.Hour),
	)

	j.Sweep(context.Background())

	if got := len(q.DeadLetters()); got != 1 {
		t.Errorf("DeadLetters() after sweep = %d, want 1", got)
	}
}

type failingArchiver struct{}

func (failingArchiver) Kind() string { return "failing" }

func (failingArchiver) ArchiveDeadLetters(context.Context, []models.DeadLetter) (string, error) {
	return "", errors.New("disk full")
}

func TestSweepSkipsPurgeWhenArchiveFails(t *testing.T) {
	q := deadLetterQueue(t)
	j := retention.NewJanitor(q, recipe.NewEngine(), failingArchiver{},
		retention.WithDeadLetterWindow(time.Nanosecond),
	)

	j.Sweep(context.Background())

	if got := len(q.DeadLetters()); got != 1 {
		t.Errorf("DeadLetters() after failed archive = %d, want 1", got)
	}
}
