// Package endpoint implements the duplex actor every concrete device runs
// inside.
//
// An Endpoint pairs two loops around one Device:
//   - tx-loop: Device.Produce turns external input into frames and publishes
//     them into the shared dispatch queue.
//   - rx-loop: drains the private inbound queue into Device.Consume.
//
// Lifecycle order:
//   - Hold -> Run -> ReleaseHold
//
// Frames enter the routing fabric only through Push. Inject is the loopback
// path into the endpoint's own inbound queue and never crosses the router.
package endpoint

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/wisund/internal/frame"
	"github.com/danmuck/wisund/internal/observability"
	"github.com/danmuck/wisund/internal/queue"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnavailable wraps device construction failures (missing hardware,
	// permission denied). The orchestrator decides whether it is fatal.
	ErrUnavailable = errors.New("endpoint: unavailable")
	ErrNilDevice   = errors.New("endpoint: nil device")
	ErrNilDispatch = errors.New("endpoint: nil dispatch queue")
	ErrRunning     = errors.New("endpoint: already running")
)

var nextAddress atomic.Uint64

// Publisher is the view of an Endpoint handed to Device.Produce.
type Publisher interface {
	Push(f frame.Frame) error
	Inject(f frame.Frame) error
	ReleaseHold()
}

// Device implements the external I/O edges of one endpoint.
type Device interface {
	// Produce reads input until it is exhausted or ctx is done, publishing
	// frames through pub.
	Produce(ctx context.Context, in io.Reader, pub Publisher) error
	// Consume emits one frame to the external output.
	Consume(out io.Writer, f frame.Frame) error
}

// Endpoint is one duplex actor bound to the router's dispatch queue.
type Endpoint struct {
	name     string
	addr     frame.Address
	device   Device
	dispatch *queue.Queue
	inbox    *queue.Queue

	mu      sync.Mutex
	cancel  context.CancelFunc
	running atomic.Bool

	produced atomic.Uint64
	consumed atomic.Uint64
	failures atomic.Uint64
}

// New binds dev to the dispatch queue under a fresh address.
func New(name string, dispatch *queue.Queue, dev Device) (*Endpoint, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	if dispatch == nil {
		return nil, ErrNilDispatch
	}
	return &Endpoint{
		name:     name,
		addr:     frame.Address(nextAddress.Add(1)),
		device:   dev,
		dispatch: dispatch,
		inbox:    queue.New(),
	}, nil
}

func (e *Endpoint) Name() string {
	return e.name
}

func (e *Endpoint) Address() frame.Address {
	return e.addr
}

func (e *Endpoint) Device() Device {
	return e.device
}

// Push tags f with this endpoint's address and forwards it to the router.
func (e *Endpoint) Push(f frame.Frame) error {
	if err := e.dispatch.Push(f.WithSource(e.addr)); err != nil {
		return err
	}
	e.produced.Add(1)
	observability.RecordEndpointFrame(e.name, "tx")
	return nil
}

// Inject queues f straight into this endpoint's inbound queue.
func (e *Endpoint) Inject(f frame.Frame) error {
	return e.inbox.Push(f.WithSource(e.addr))
}

// Deliver is the router-side entry into the inbound queue.
func (e *Endpoint) Deliver(f frame.Frame) error {
	return e.inbox.Push(f)
}

// Hold arms drain-on-release semantics; call before Run.
func (e *Endpoint) Hold() {
	e.inbox.Hold()
}

// ReleaseHold lets the rx-loop drain and exit and stops Produce.
func (e *Endpoint) ReleaseHold() {
	e.inbox.ReleaseHold()
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Endpoint) WantHold() bool {
	return e.inbox.WantHold()
}

func (e *Endpoint) More() bool {
	return e.inbox.More()
}

// Close rejects further deliveries; buffered frames stay drainable.
func (e *Endpoint) Close() {
	e.inbox.Close()
}

// Run starts the rx-loop, runs the tx-loop on the calling goroutine and
// joins the rx-loop before returning. Cancellation of ctx is not reported
// as an error.
func (e *Endpoint) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer e.running.Store(false)

	txCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runRx(out)
	}()

	err := e.device.Produce(txCtx, in, e)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Msgf("endpoint.Endpoint.Run produce ended name=%s err=%v", e.name, err)
	}
	wg.Wait()
	log.Debug().Msgf(
		"endpoint.Endpoint.Run done name=%s produced=%d consumed=%d failures=%d",
		e.name,
		e.produced.Load(),
		e.consumed.Load(),
		e.failures.Load(),
	)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (e *Endpoint) runRx(out io.Writer) {
	for e.WantHold() || e.More() {
		f, ok := e.inbox.WaitAndPop()
		if !ok {
			return
		}
		if err := e.device.Consume(out, f); err != nil {
			e.failures.Add(1)
			observability.RecordEndpointIOError(e.name, "rx")
			log.Warn().Msgf("endpoint.Endpoint.rx consume failed name=%s frame=%s err=%v", e.name, f, err)
			continue
		}
		e.consumed.Add(1)
		observability.RecordEndpointFrame(e.name, "rx")
	}
}

// Stats is a point-in-time view of endpoint counters.
type Stats struct {
	Name     string `json:"name"`
	Address  uint64 `json:"address"`
	Produced uint64 `json:"produced"`
	Consumed uint64 `json:"consumed"`
	Failures uint64 `json:"failures"`
	Pending  int    `json:"pending"`
	Holding  bool   `json:"holding"`
	Closed   bool   `json:"closed"`
}

func (e *Endpoint) Stats() Stats {
	return Stats{
		Name:     e.name,
		Address:  uint64(e.addr),
		Produced: e.produced.Load(),
		Consumed: e.consumed.Load(),
		Failures: e.failures.Load(),
		Pending:  e.inbox.Len(),
		Holding:  e.inbox.WantHold(),
		Closed:   e.inbox.Closed(),
	}
}
