package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
	"github.com/kirillkom/clinical-batch-intake/internal/infrastructure/resilience"
)

func startTestServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("start nats server: %v", err)
	}
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func newTestQueue(t *testing.T, url string) *Queue {
	t.Helper()
	q, err := New(url, Subjects{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(q.Close)
	return q
}

type received struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newReceived() *received {
	return &received{ch: make(chan string, 16)}
}

func (r *received) handle(_ context.Context, batchID string) error {
	r.mu.Lock()
	r.ids = append(r.ids, batchID)
	r.mu.Unlock()
	r.ch <- batchID
	return nil
}

func (r *received) await(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.ch:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func subscribe(t *testing.T, fn func(context.Context, func(context.Context, string) error) error, h func(context.Context, string) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("subscription returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("subscription did not stop")
		}
	})
}

func TestSubmittedBatchReachesOneWorker(t *testing.T) {
	server := startTestServer(t)
	publisher := newTestQueue(t, server.ClientURL())
	workerA := newTestQueue(t, server.ClientURL())
	workerB := newTestQueue(t, server.ClientURL())

	got := newReceived()
	subscribe(t, workerA.SubscribeBatchSubmitted, got.handle)
	subscribe(t, workerB.SubscribeBatchSubmitted, got.handle)
	waitForInterest(t, server, DefaultSubjects().Submitted, 1)

	if err := publisher.PublishBatchSubmitted(context.Background(), "batch-1"); err != nil {
		t.Fatalf("PublishBatchSubmitted() error = %v", err)
	}
	if id := got.await(t); id != "batch-1" {
		t.Fatalf("expected batch-1, got %q", id)
	}
	time.Sleep(100 * time.Millisecond)
	if got.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got.count())
	}
}

func TestCancelReachesEveryWorker(t *testing.T) {
	server := startTestServer(t)
	publisher := newTestQueue(t, server.ClientURL())
	workerA := newTestQueue(t, server.ClientURL())
	workerB := newTestQueue(t, server.ClientURL())

	got := newReceived()
	subscribe(t, workerA.SubscribeBatchCancel, got.handle)
	subscribe(t, workerB.SubscribeBatchCancel, got.handle)
	waitForInterest(t, server, DefaultSubjects().Cancel, 2)

	if err := publisher.PublishBatchCancel(context.Background(), " batch-2 "); err != nil {
		t.Fatalf("PublishBatchCancel() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if id := got.await(t); id != "batch-2" {
			t.Fatalf("expected trimmed batch-2, got %q", id)
		}
	}
}

func TestEmptyMessageIsIgnored(t *testing.T) {
	server := startTestServer(t)
	publisher := newTestQueue(t, server.ClientURL())
	worker := newTestQueue(t, server.ClientURL())

	got := newReceived()
	subscribe(t, worker.SubscribeBatchSubmitted, got.handle)
	waitForInterest(t, server, DefaultSubjects().Submitted, 1)

	if err := publisher.PublishBatchSubmitted(context.Background(), "  "); err != nil {
		t.Fatalf("PublishBatchSubmitted() error = %v", err)
	}
	if err := publisher.PublishBatchSubmitted(context.Background(), "batch-3"); err != nil {
		t.Fatalf("PublishBatchSubmitted() error = %v", err)
	}
	if id := got.await(t); id != "batch-3" {
		t.Fatalf("expected batch-3 first, got %q", id)
	}
}

func TestPublishOnClosedConnectionIsTemporary(t *testing.T) {
	server := startTestServer(t)
	q := newTestQueue(t, server.ClientURL())
	q.Close()

	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryMultiplier:     2,
	})
	q.executor = exec

	err := q.PublishBatchSubmitted(context.Background(), "batch-4")
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if !errors.Is(err, nats.ErrConnectionClosed) {
		t.Fatalf("expected closed connection cause, got %v", err)
	}
}

func TestClassifyNATSError(t *testing.T) {
	if class := classifyNATSError(nats.ErrNoServers); !class.Retryable {
		t.Fatalf("no servers must be retryable")
	}
	if class := classifyNATSError(nats.ErrBadSubject); class.Retryable || class.RecordFailure {
		t.Fatalf("bad subject must not be retried")
	}
	if class := classifyNATSError(context.Canceled); class.Retryable || class.RecordFailure {
		t.Fatalf("cancellation must not count as a failure")
	}
}

// waitForInterest polls until the server routes the subject. A queue group
// counts once however many members it has.
func waitForInterest(t *testing.T, server *natsserver.Server, subject string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if server.GlobalAccount().Interest(subject) >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("subscribers for %s not ready", subject)
}
