package sim

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/wisund/internal/frame"
	"github.com/danmuck/wisund/internal/testutil/testlog"
)

type chanPub chan frame.Frame

func (p chanPub) Push(f frame.Frame) error {
	p <- f
	return nil
}

func (p chanPub) Inject(frame.Frame) error { return nil }
func (p chanPub) ReleaseHold() {}

func TestEchoRepliesAfterLatency(t *testing.T) {
	testlog.Start(t)
	dev := New(Options{Latency: 20 * time.Millisecond})
	pub := make(chanPub, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dev.Produce(ctx, nil, pub) }()

	start := time.Now()
	if err := dev.Consume(nil, frame.New('v', 'e', 'r')); err != nil {
		t.Fatalf("consume: %v", err)
	}
	select {
	case got := <-pub:
		if !got.Equal(frame.New('v', 'e', 'r')) {
			t.Fatalf("unexpected reply %s", got)
		}
		if time.Since(start) < 20*time.Millisecond {
			t.Fatalf("reply arrived before latency elapsed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply")
	}
}

func TestCustomResponderAndBacklog(t *testing.T) {
	testlog.Start(t)
	twice := func(frame.Frame) []frame.Frame {
		return []frame.Frame{frame.New(0x41), frame.New(0x42)}
	}
	dev := New(Options{Backlog: 1, Responder: twice})
	if err := dev.Consume(nil, frame.New(0x01)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if dev.Dropped() != 1 {
		t.Fatalf("expected one dropped reply, got %d", dev.Dropped())
	}
}

func TestProduceStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	dev := New(DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dev.Produce(ctx, nil, make(chanPub)) }()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatalf("produce did not stop")
	}
}

func TestEchoDropsSourceTag(t *testing.T) {
	testlog.Start(t)
	replies := Echo(frame.New(0x05, 0x01).WithSource(7))
	if len(replies) != 1 || replies[0].String() != "0501" {
		t.Fatalf("unexpected replies %v", replies)
	}
	if replies[0].Source() != 0 {
		t.Fatalf("reply kept source %d", replies[0].Source())
	}
}
