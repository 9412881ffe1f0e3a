package serial

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/wisund/internal/frame"
	"github.com/danmuck/wisund/internal/testutil/testlog"
)

type capturePub struct {
	mu     sync.Mutex
	frames []frame.Frame
	got    chan struct{}
}

func newCapturePub() *capturePub {
	return &capturePub{got: make(chan struct{}, 64)}
}

func (p *capturePub) Push(f frame.Frame) error {
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
	p.got <- struct{}{}
	return nil
}

func (p *capturePub) Inject(f frame.Frame) error { return nil }
func (p *capturePub) ReleaseHold() {}

func (p *capturePub) wait(t *testing.T, n int) []frame.Frame {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]frame.Frame(nil), p.frames...)
}

func TestSlipRoundTripWithEscapes(t *testing.T) {
	testlog.Start(t)
	in := frame.New(0x05, slipEnd, 0x01, slipEsc, 0x02)
	wire := Encode(in)
	want := []byte{slipEnd, 0x05, slipEsc, slipEscEnd, 0x01, slipEsc, slipEscEsc, 0x02, slipEnd}
	if !bytes.Equal(wire, want) {
		t.Fatalf("unexpected wire bytes: % x", wire)
	}
	dec := NewDecoder(0)
	var got []frame.Frame
	for _, b := range wire {
		got = append(got, dec.Feed([]byte{b})...)
	}
	if len(got) != 1 || !got[0].Equal(in) {
		t.Fatalf("unexpected decode: %v", got)
	}
}

func TestDecoderDropsOversizedFrame(t *testing.T) {
	testlog.Start(t)
	dec := NewDecoder(4)
	got := dec.Feed([]byte{slipEnd, 1, 2, 3, 4, 5, 6, slipEnd, 0x05, 0xaa, slipEnd})
	if len(got) != 1 || got[0].String() != "05aa" {
		t.Fatalf("unexpected frames: %v", got)
	}
	if dec.Dropped() != 1 {
		t.Fatalf("expected one dropped frame, got %d", dec.Dropped())
	}
}

func TestProducePublishesDecodedFrames(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer remote.Close()
	dev := NewWithPort(Options{ReadTimeout: 20 * time.Millisecond}, local, nil)
	defer dev.Close()

	pub := newCapturePub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dev.Produce(ctx, nil, pub) }()

	if _, err := remote.Write(Encode(frame.New(0x00, 0x00, 0x86, 0xdd))); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := remote.Write(Encode(frame.New(0x31, 0x01))); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := pub.wait(t, 2)
	if got[0].String() != "000086dd" || got[1].String() != "3101" {
		t.Fatalf("unexpected frames: %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("produce did not stop on cancel")
	}
}

func TestConsumeWritesSlipFrame(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer remote.Close()
	dev := NewWithPort(Options{}, local, nil)
	defer dev.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- dev.Consume(io.Discard, frame.New(0x05, 0xaa)) }()

	buf := make([]byte, 16)
	n, err := remote.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{slipEnd, 0x05, 0xaa, slipEnd}) {
		t.Fatalf("unexpected wire: % x", buf[:n])
	}
	if err := <-errCh; err != nil {
		t.Fatalf("consume: %v", err)
	}
}

func TestRawModePassesChunksThrough(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer remote.Close()
	dev := NewWithPort(Options{Raw: true, ReadTimeout: 20 * time.Millisecond}, local, nil)
	defer dev.Close()

	pub := newCapturePub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dev.Produce(ctx, nil, pub) }()

	if _, err := remote.Write([]byte{0x05, slipEnd, 0x07}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := pub.wait(t, 1)
	if got[0].String() != "05c007" {
		t.Fatalf("raw frame altered: %s", got[0])
	}
}

func TestProduceReopensAfterReadFailure(t *testing.T) {
	testlog.Start(t)
	first, firstRemote := net.Pipe()
	second, secondRemote := net.Pipe()
	defer secondRemote.Close()

	opened := make(chan struct{}, 1)
	opener := func() (Port, error) {
		opened <- struct{}{}
		return second, nil
	}
	opts := Options{ReadTimeout: 20 * time.Millisecond}
	opts.Backoff.InitialDelay = time.Millisecond
	dev := NewWithPort(opts, first, opener)
	defer dev.Close()

	pub := newCapturePub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dev.Produce(ctx, nil, pub) }()

	_ = firstRemote.Close()
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("port was not reopened")
	}
	if _, err := secondRemote.Write(Encode(frame.New(0x05, 0x01))); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := pub.wait(t, 1)
	if got[0].String() != "0501" {
		t.Fatalf("unexpected frame after reopen: %s", got[0])
	}
	if r, _ := dev.Errors(); r != 1 {
		t.Fatalf("expected one read error, got %d", r)
	}
}
