package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
	"github.com/kirillkom/clinical-batch-intake/internal/core/usecase"
)

type processorFake struct {
	mu        sync.Mutex
	processed []string
	deadlines []bool
	err       error
	failFirst int
	running   map[string]bool
}

func (f *processorFake) ProcessBatch(ctx context.Context, batchID string) (domain.ProcessingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, hasDeadline := ctx.Deadline()
	f.processed = append(f.processed, batchID)
	f.deadlines = append(f.deadlines, hasDeadline)
	if f.err != nil && (f.failFirst == 0 || len(f.processed) <= f.failFirst) {
		return domain.ProcessingResult{}, f.err
	}
	return domain.ProcessingResult{BatchID: batchID, Status: domain.BatchCompleted, TotalFiles: 1, ProcessedCount: 1}, nil
}

func (f *processorFake) CancelBatch(batchID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[batchID]
}

type subscriberFake struct {
	submitted []string
	cancels   []string
	err       error
}

func (f *subscriberFake) SubscribeBatchSubmitted(ctx context.Context, handler func(context.Context, string) error) error {
	for _, id := range f.submitted {
		_ = handler(ctx, id)
	}
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

func (f *subscriberFake) SubscribeBatchCancel(ctx context.Context, handler func(context.Context, string) error) error {
	for _, id := range f.cancels {
		_ = handler(ctx, id)
	}
	<-ctx.Done()
	return nil
}

type sweeperFake struct {
	mu     sync.Mutex
	calls  int
	result usecase.SweepResult
	err    error
}

func (f *sweeperFake) Sweep(context.Context) (usecase.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

type sweepObserverFake struct {
	linked, failed           int
	finalized, recoverFailed int
}

func (f *sweepObserverFake) ReconcileSwept(linked, failed int) {
	f.linked += linked
	f.failed += failed
}

func (f *sweepObserverFake) BatchesRecovered(finalized, failed int) {
	f.finalized += finalized
	f.recoverFailed += failed
}

type recovererFake struct {
	calls  int
	result usecase.RecoveryResult
	err    error
}

func (f *recovererFake) Sweep(context.Context) (usecase.RecoveryResult, error) {
	f.calls++
	return f.result, f.err
}

func TestHandleSubmittedAppliesBatchTimeout(t *testing.T) {
	processor := &processorFake{}
	consumer := NewConsumer(&subscriberFake{}, processor, nil, nil, nil, Options{BatchTimeout: time.Minute})

	if err := consumer.HandleSubmitted(context.Background(), "batch-1"); err != nil {
		t.Fatalf("HandleSubmitted() error = %v", err)
	}
	if len(processor.processed) != 1 || !processor.deadlines[0] {
		t.Fatalf("expected one run with a deadline, got %+v", processor)
	}
}

func TestHandleSubmittedSwallowsUnknownBatch(t *testing.T) {
	processor := &processorFake{err: domain.WrapError(domain.ErrBatchNotFound, "process batch", errors.New("id=x"))}
	consumer := NewConsumer(&subscriberFake{}, processor, nil, nil, nil, Options{})

	if err := consumer.HandleSubmitted(context.Background(), "x"); err != nil {
		t.Fatalf("unknown batch must not be an error, got %v", err)
	}
}

func TestHandleSubmittedReturnsAggregateFailure(t *testing.T) {
	processor := &processorFake{err: domain.WrapError(domain.ErrTemporary, "finalize batch", errors.New("db down"))}
	consumer := NewConsumer(&subscriberFake{}, processor, nil, nil, nil, Options{RetryAttempts: 3, RetryBackoff: time.Millisecond})

	if err := consumer.HandleSubmitted(context.Background(), "b"); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if len(processor.processed) != 3 {
		t.Fatalf("expected 3 bounded runs, got %d", len(processor.processed))
	}
}

func TestHandleSubmittedRetriesTemporaryFailure(t *testing.T) {
	processor := &processorFake{
		err:       domain.WrapError(domain.ErrTemporary, "finalize batch", errors.New("db down")),
		failFirst: 1,
	}
	consumer := NewConsumer(&subscriberFake{}, processor, nil, nil, nil, Options{RetryBackoff: time.Millisecond})

	if err := consumer.HandleSubmitted(context.Background(), "b"); err != nil {
		t.Fatalf("HandleSubmitted() error = %v", err)
	}
	if len(processor.processed) != 2 {
		t.Fatalf("expected a second run after the temporary failure, got %d", len(processor.processed))
	}
}

func TestHandleSubmittedDoesNotRetryPermanentFailure(t *testing.T) {
	processor := &processorFake{err: domain.WrapError(domain.ErrInvalidInput, "process batch", errors.New("bad row"))}
	consumer := NewConsumer(&subscriberFake{}, processor, nil, nil, nil, Options{RetryBackoff: time.Millisecond})

	if err := consumer.HandleSubmitted(context.Background(), "b"); err == nil {
		t.Fatalf("expected error")
	}
	if len(processor.processed) != 1 {
		t.Fatalf("permanent failure must run once, got %d", len(processor.processed))
	}
}

func TestHandleCancelIsNoopForForeignBatch(t *testing.T) {
	processor := &processorFake{running: map[string]bool{"mine": true}}
	consumer := NewConsumer(&subscriberFake{}, processor, nil, nil, nil, Options{})

	if err := consumer.HandleCancel(context.Background(), "mine"); err != nil {
		t.Fatalf("HandleCancel() error = %v", err)
	}
	if err := consumer.HandleCancel(context.Background(), "other"); err != nil {
		t.Fatalf("HandleCancel() error = %v", err)
	}
}

func TestRunDispatchesUntilContextDone(t *testing.T) {
	processor := &processorFake{}
	subscriber := &subscriberFake{submitted: []string{"b-1", "b-2"}, cancels: []string{"b-3"}}
	consumer := NewConsumer(subscriber, processor, nil, nil, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		processor.mu.Lock()
		n := len(processor.processed)
		processor.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 processed batches, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunFailsOnSubscriptionError(t *testing.T) {
	subscriber := &subscriberFake{err: errors.New("nats subscribe: permissions violation")}
	consumer := NewConsumer(subscriber, &processorFake{}, nil, nil, nil, Options{})

	if err := consumer.Run(context.Background()); err == nil {
		t.Fatalf("expected subscription error")
	}
}

func TestRunRejectsInvalidSchedule(t *testing.T) {
	consumer := NewConsumer(&subscriberFake{}, &processorFake{}, &sweeperFake{}, nil, nil, Options{ReconcileSchedule: "every now and then"})
	if err := consumer.Run(context.Background()); err == nil {
		t.Fatalf("expected schedule error")
	}
}

func TestRunSweepReportsResult(t *testing.T) {
	sweeper := &sweeperFake{result: usecase.SweepResult{Scanned: 3, Linked: 2, Failed: 1}}
	observer := &sweepObserverFake{}
	consumer := NewConsumer(&subscriberFake{}, &processorFake{}, sweeper, nil, observer, Options{ReconcileSchedule: "@every 1h"})

	consumer.RunSweep(context.Background())
	if sweeper.calls != 1 || observer.linked != 2 || observer.failed != 1 {
		t.Fatalf("unexpected sweep bookkeeping: calls=%d linked=%d failed=%d", sweeper.calls, observer.linked, observer.failed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	consumer.RunSweep(ctx)
	if sweeper.calls != 1 {
		t.Fatalf("sweep must not run after shutdown")
	}
}

func TestRunRecoveryReportsResult(t *testing.T) {
	recoverer := &recovererFake{result: usecase.RecoveryResult{Claimed: 3, Finalized: 2, Failed: 1}}
	observer := &sweepObserverFake{}
	consumer := NewConsumer(&subscriberFake{}, &processorFake{}, nil, recoverer, observer, Options{RecoverySchedule: "@every 10m"})

	consumer.RunRecovery(context.Background())
	if recoverer.calls != 1 || observer.finalized != 2 || observer.recoverFailed != 1 {
		t.Fatalf("unexpected recovery bookkeeping: calls=%d finalized=%d failed=%d",
			recoverer.calls, observer.finalized, observer.recoverFailed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	consumer.RunRecovery(ctx)
	if recoverer.calls != 1 {
		t.Fatalf("recovery must not run after shutdown")
	}
}

func TestRunRejectsInvalidRecoverySchedule(t *testing.T) {
	consumer := NewConsumer(&subscriberFake{}, &processorFake{}, nil, &recovererFake{}, nil, Options{RecoverySchedule: "hourly-ish"})
	if err := consumer.Run(context.Background()); err == nil {
		t.Fatalf("expected schedule error")
	}
}
