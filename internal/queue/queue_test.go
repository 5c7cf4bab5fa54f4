package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "KittyMarket-Chain/internal/errors"
	"KittyMarket-Chain/internal/oracle"
)

func TestMemoryQueueDelivers(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu  sync.Mutex
		got []oracle.Submission
	)
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 2, func(_ context.Context, sub oracle.Submission) error {
			mu.Lock()
			got = append(got, sub)
			if len(got) == 2 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	if err := q.Publish(ctx, oracle.Submission{ID: "a", Block: 1, Price: 600}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := q.Publish(ctx, oracle.Submission{ID: "b", Block: 2, Price: 601}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("submissions not consumed")
	}
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Publish(context.Background(), oracle.Submission{}); err == nil {
		t.Fatalf("expected publish on closed queue to fail")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := decode([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
	payload, err := encode(oracle.Submission{ID: "x", Block: 9, Price: 612})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sub, err := decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.Block != 9 || sub.Price != 612 || sub.ID != "x" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
}

func TestMemoryQueueRequeuesRetryableFailures(t *testing.T) {
	q := NewMemoryQueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		attempts int
	)
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, sub oracle.Submission) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return xerrors.New(xerrors.CodeQueueFailure, "relay busy")
			}
			close(done)
			return nil
		})
	}()

	if err := q.Publish(ctx, oracle.Submission{ID: "retry", Block: 3, Price: 605}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("retryable failure was not redelivered")
	}
}

func TestRabbitMQArguments(t *testing.T) {
	if args := (RabbitMQConfig{}).arguments(); args != nil {
		t.Fatalf("no ttl means no arguments, got %v", args)
	}
	args := RabbitMQConfig{MessageTTL: 1500 * time.Millisecond}.arguments()
	if args["x-message-ttl"] != int64(1500) {
		t.Fatalf("unexpected arguments: %v", args)
	}
}
