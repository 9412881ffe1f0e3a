package endpoint

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/wisund/internal/frame"
	"github.com/danmuck/wisund/internal/queue"
	"github.com/danmuck/wisund/internal/testutil/testlog"
)

// lineDevice publishes one frame per input line and writes consumed frames
// as hex lines.
type lineDevice struct {
	mu           sync.Mutex
	consumed     []frame.Frame
	failOn       byte
	releaseOnEOF bool
}

func (d *lineDevice) Produce(ctx context.Context, in io.Reader, pub Publisher) error {
	if in == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "self ") {
			if err := pub.Inject(frame.New(append([]byte{frame.HeaderLoopback}, line[5:]...)...)); err != nil {
				return err
			}
			continue
		}
		if err := pub.Push(frame.New([]byte(line)...)); err != nil {
			return err
		}
	}
	if d.releaseOnEOF {
		pub.ReleaseHold()
	}
	return sc.Err()
}

func (d *lineDevice) Consume(out io.Writer, f frame.Frame) error {
	if h, ok := f.Header(); ok && h == d.failOn && d.failOn != 0 {
		return errors.New("boom")
	}
	d.mu.Lock()
	d.consumed = append(d.consumed, f)
	d.mu.Unlock()
	if out != nil {
		_, err := io.WriteString(out, f.String()+"\n")
		return err
	}
	return nil
}

func (d *lineDevice) frames() []frame.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]frame.Frame(nil), d.consumed...)
}

func TestNewRejectsNilInputs(t *testing.T) {
	testlog.Start(t)
	if _, err := New("x", queue.New(), nil); !errors.Is(err, ErrNilDevice) {
		t.Fatalf("expected ErrNilDevice, got %v", err)
	}
	if _, err := New("x", nil, &lineDevice{}); !errors.Is(err, ErrNilDispatch) {
		t.Fatalf("expected ErrNilDispatch, got %v", err)
	}
}

func TestAddressesAreDistinct(t *testing.T) {
	testlog.Start(t)
	dispatch := queue.New()
	a, _ := New("a", dispatch, &lineDevice{})
	b, _ := New("b", dispatch, &lineDevice{})
	if a.Address() == b.Address() || a.Address() == 0 {
		t.Fatalf("addresses not distinct: a=%d b=%d", a.Address(), b.Address())
	}
}

func TestPushTagsSourceAndForwardsToDispatch(t *testing.T) {
	testlog.Start(t)
	dispatch := queue.New()
	dev := &lineDevice{releaseOnEOF: true}
	ep, err := New("console", dispatch, dev)
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}
	ep.Hold()
	if err := ep.Run(context.Background(), strings.NewReader("one\ntwo\n"), io.Discard); err != nil {
		t.Fatalf("run: %v", err)
	}
	if dispatch.Len() != 2 {
		t.Fatalf("expected 2 dispatched frames, got %d", dispatch.Len())
	}
	for _, want := range []string{"one", "two"} {
		f, ok := dispatch.WaitAndPop()
		if !ok {
			t.Fatalf("missing dispatched frame %q", want)
		}
		if string(f.Bytes()) != want {
			t.Fatalf("unexpected frame %q want %q", f.Bytes(), want)
		}
		if f.Source() != ep.Address() {
			t.Fatalf("frame not tagged with source: got=%d want=%d", f.Source(), ep.Address())
		}
	}
	if st := ep.Stats(); st.Produced != 2 {
		t.Fatalf("unexpected produced count: %+v", st)
	}
}

func TestInjectLoopsBackWithoutDispatch(t *testing.T) {
	testlog.Start(t)
	dispatch := queue.New()
	dev := &lineDevice{releaseOnEOF: true}
	ep, _ := New("console", dispatch, dev)
	ep.Hold()
	var out bytes.Buffer
	if err := ep.Run(context.Background(), strings.NewReader("self hi\n"), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if dispatch.More() {
		t.Fatalf("loopback frame must not reach dispatch")
	}
	got := dev.frames()
	if len(got) != 1 || !frame.IsLoopback(got[0]) {
		t.Fatalf("expected one loopback frame, got %v", got)
	}
	if out.String() != "ed6869\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRxLoopDrainsBufferedFramesOnRelease(t *testing.T) {
	testlog.Start(t)
	dispatch := queue.New()
	dev := &lineDevice{}
	ep, _ := New("serial", dispatch, dev)
	ep.Hold()

	const n = 300
	for i := 0; i < n; i++ {
		if err := ep.Deliver(frame.New(0x05, byte(i))); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- ep.Run(context.Background(), nil, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	ep.ReleaseHold()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after release")
	}
	got := dev.frames()
	if len(got) != n {
		t.Fatalf("drained %d frames, want %d", len(got), n)
	}
	for i, f := range got {
		if f.Bytes()[1] != byte(i) {
			t.Fatalf("rx order broken at %d: %s", i, f)
		}
	}
}

func TestConsumeFailureDoesNotStopRxLoop(t *testing.T) {
	testlog.Start(t)
	dev := &lineDevice{failOn: 0x13}
	ep, _ := New("tun", queue.New(), dev)
	ep.Hold()
	_ = ep.Deliver(frame.New(0x13))
	_ = ep.Deliver(frame.New(0x05))

	done := make(chan error, 1)
	go func() { done <- ep.Run(context.Background(), nil, nil) }()
	time.Sleep(20 * time.Millisecond)
	ep.ReleaseHold()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := dev.frames(); len(got) != 1 || got[0].String() != "05" {
		t.Fatalf("expected second frame consumed, got %v", got)
	}
	if ep.Stats().Failures != 1 {
		t.Fatalf("expected one failure, got %+v", ep.Stats())
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	testlog.Start(t)
	ep, _ := New("sim", queue.New(), &lineDevice{})
	ep.Hold()
	done := make(chan error, 1)
	go func() { done <- ep.Run(context.Background(), nil, nil) }()
	time.Sleep(20 * time.Millisecond)
	if err := ep.Run(context.Background(), nil, nil); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	ep.ReleaseHold()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestPushAfterDispatchClosedReportsClosed(t *testing.T) {
	testlog.Start(t)
	dispatch := queue.New()
	ep, _ := New("console", dispatch, &lineDevice{})
	dispatch.Close()
	if err := ep.Push(frame.New(0x05)); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected queue.ErrClosed, got %v", err)
	}
}

func TestStatsReportClosedInbox(t *testing.T) {
	testlog.Start(t)
	ep, _ := New("capture", queue.New(), &lineDevice{})
	if ep.Stats().Closed {
		t.Fatalf("new endpoint reported closed")
	}
	ep.Close()
	if !ep.Stats().Closed {
		t.Fatalf("closed endpoint not reported: %+v", ep.Stats())
	}
	if err := ep.Deliver(frame.New(0x05)); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected queue.ErrClosed, got %v", err)
	}
}
