package queue

import (
	"context"
	"testing"
	"time"
)

func TestChannelNotifier_NotifyAndSubscribe(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx, ChannelStage2Queue)
	if ch == nil {
		t.Fatal("Subscribe should return a non-nil channel")
	}

	if err := n.Notify(ctx, ChannelStage2Queue); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected notification on subscribed channel")
	}
}

func TestChannelNotifier_DoesNotCrossChannels(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readyCh := n.Subscribe(ctx, ChannelExecutionReady)
	queueCh := n.Subscribe(ctx, ChannelStage2Queue)

	if err := n.Notify(ctx, ChannelExecutionReady); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case <-readyCh:
	case <-time.After(time.Second):
		t.Fatal("expected notification on ready channel")
	}

	select {
	case <-queueCh:
		t.Fatal("should not receive notification meant for another channel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelNotifier_NonBlockingWhenSubscriberFull(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = n.Subscribe(ctx, ChannelStage2Queue)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.Notify(ctx, ChannelStage2Queue)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify should never block")
	}
}

func TestChannelNotifier_CloseClosesSubscriberChannels(t *testing.T) {
	n := NewChannelNotifier()
	ctx := context.Background()
	ch := n.Subscribe(ctx, ChannelExecutionReady)

	if err := n.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed, not to receive a value")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to close promptly after Close")
	}

	if err := n.Notify(ctx, ChannelExecutionReady); err != nil {
		t.Fatalf("Notify after close should be a no-op, got error: %v", err)
	}
}

func TestNoopNotifier_NeverSignals(t *testing.T) {
	n := NewNoopNotifier()
	ctx, cancel := context.WithCancel(context.Background())

	ch := n.Subscribe(ctx, ChannelStage2Queue)
	if err := n.Notify(ctx, ChannelStage2Queue); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case <-ch:
		t.Fatal("noop notifier must never deliver a signal")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel close after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to close after context cancellation")
	}
}
