package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/clinical-batch-intake/internal/infrastructure/resilience"
)

const workersQueueGroup = "workers"

// Subjects names the batch lifecycle subjects.
type Subjects struct {
	Submitted string
	Cancel    string
}

func DefaultSubjects() Subjects {
	return Subjects{
		Submitted: "batches.submitted",
		Cancel:    "batches.cancel",
	}
}

type Queue struct {
	conn     *nats.Conn
	subjects Subjects
	executor *resilience.Executor
}

type Options struct {
	Name                 string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url string, subjects Subjects) (*Queue, error) {
	return NewWithOptions(url, subjects, Options{})
}

func NewWithOptions(url string, subjects Subjects, options Options) (*Queue, error) {
	def := DefaultSubjects()
	if strings.TrimSpace(subjects.Submitted) == "" {
		subjects.Submitted = def.Submitted
	}
	if strings.TrimSpace(subjects.Cancel) == "" {
		subjects.Cancel = def.Cancel
	}
	name := options.Name
	if name == "" {
		name = "clinical-batch-intake"
	}
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		subjects: subjects,
		executor: options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// Ping flushes the connection and reports whether the server answered.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.conn.FlushWithContext(ctx); err != nil {
		return wrapTemporaryIfNeeded("nats ping", err)
	}
	return nil
}

func (q *Queue) PublishBatchSubmitted(ctx context.Context, batchID string) error {
	return q.publish(ctx, q.subjects.Submitted, batchID)
}

// PublishBatchCancel reaches every worker; only the one running the batch acts on it.
func (q *Queue) PublishBatchCancel(ctx context.Context, batchID string) error {
	return q.publish(ctx, q.subjects.Cancel, batchID)
}

func (q *Queue) publish(ctx context.Context, subject, batchID string) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, []byte(batchID)); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded("nats publish", err)
	}
	return nil
}

// SubscribeBatchSubmitted delivers each submitted batch to one worker of the
// queue group. It blocks until ctx is done, then drains.
func (q *Queue) SubscribeBatchSubmitted(ctx context.Context, handler func(context.Context, string) error) error {
	return q.consume(ctx, q.subjects.Submitted, func(cb nats.MsgHandler) (*nats.Subscription, error) {
		return q.conn.QueueSubscribe(q.subjects.Submitted, workersQueueGroup, cb)
	}, handler)
}

// SubscribeBatchCancel delivers every cancel request to this worker.
func (q *Queue) SubscribeBatchCancel(ctx context.Context, handler func(context.Context, string) error) error {
	return q.consume(ctx, q.subjects.Cancel, func(cb nats.MsgHandler) (*nats.Subscription, error) {
		return q.conn.Subscribe(q.subjects.Cancel, cb)
	}, handler)
}

func (q *Queue) consume(
	ctx context.Context,
	subject string,
	subscribe func(nats.MsgHandler) (*nats.Subscription, error),
	handler func(context.Context, string) error,
) error {
	sub, err := subscribe(func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		batchID := strings.TrimSpace(string(msg.Data))
		if batchID == "" {
			slog.Warn("nats_empty_message", "subject", subject)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, batchID); err != nil {
			slog.Error("worker_handler_error", "subject", subject, "batch_id", batchID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
