// Package router owns the shared dispatch queue and multicasts every frame
// to the destinations of all matching rules.
package router

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/danmuck/wisund/internal/frame"
	"github.com/danmuck/wisund/internal/observability"
	"github.com/danmuck/wisund/internal/queue"
	"github.com/rs/zerolog/log"
)

var (
	ErrNilSource      = errors.New("router: nil source")
	ErrNilDestination = errors.New("router: nil destination")
)

// Predicate decides whether a rule fires for a frame.
type Predicate func(frame.Frame) bool

// Always is the unconditional predicate used when a rule has none.
func Always(frame.Frame) bool { return true }

// Node is anything with a stable address the router can match sources on.
type Node interface {
	Address() frame.Address
	Name() string
}

// Destination accepts routed frames into its inbound queue.
type Destination interface {
	Node
	Deliver(f frame.Frame) error
}

// Rule forwards frames from Source to Dest when Match holds.
type Rule struct {
	Source Node
	Dest   Destination
	Match  Predicate

	hits atomic.Uint64
}

// Router dispatches frames from the shared queue according to its rules.
type Router struct {
	in    *queue.Queue
	mu    sync.RWMutex
	rules []*Rule
	names map[frame.Address]string

	dispatched atomic.Uint64
	delivered  atomic.Uint64
	unrouted   atomic.Uint64
	failed     atomic.Uint64
}

func New() *Router {
	return &Router{
		in:    queue.New(),
		names: make(map[frame.Address]string),
	}
}

// In is the dispatch queue every endpoint is constructed against.
func (r *Router) In() *queue.Queue {
	return r.in
}

// AddRule appends a rule. A nil match forwards unconditionally. Whether
// src and dst are running is the orchestrator's concern.
func (r *Router) AddRule(src Node, dst Destination, match Predicate) error {
	if src == nil {
		return ErrNilSource
	}
	if dst == nil {
		return ErrNilDestination
	}
	if match == nil {
		match = Always
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, &Rule{Source: src, Dest: dst, Match: match})
	r.names[src.Address()] = src.Name()
	r.names[dst.Address()] = dst.Name()
	return nil
}

func (r *Router) Hold() {
	r.in.Hold()
}

func (r *Router) ReleaseHold() {
	r.in.ReleaseHold()
}

func (r *Router) WantHold() bool {
	return r.in.WantHold()
}

func (r *Router) More() bool {
	return r.in.More()
}

// Close rejects further pushes into the dispatch queue.
func (r *Router) Close() {
	r.in.Close()
}

// Run is the dispatch loop. It returns once the hold is released and the
// dispatch queue is drained.
func (r *Router) Run() {
	log.Debug().Msgf("router.Router.Run start rules=%d", r.RuleCount())
	for r.WantHold() || r.More() {
		f, ok := r.in.WaitAndPop()
		if !ok {
			break
		}
		r.Dispatch(f)
	}
	log.Debug().Msgf(
		"router.Router.Run drained dispatched=%d delivered=%d unrouted=%d failed=%d",
		r.dispatched.Load(),
		r.delivered.Load(),
		r.unrouted.Load(),
		r.failed.Load(),
	)
}

// Dispatch evaluates every rule in registration order and delivers a copy
// of f to each matching destination. Copies carry no source tag, so a
// destination that republishes one is tagged by its own Push. It returns
// the number of deliveries.
func (r *Router) Dispatch(f frame.Frame) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.nameLocked(f.Source())
	r.dispatched.Add(1)
	observability.RecordDispatch(src)

	matched := 0
	for _, rule := range r.rules {
		if rule.Source.Address() != f.Source() || !rule.Match(f) {
			continue
		}
		matched++
		rule.hits.Add(1)
		if err := rule.Dest.Deliver(frame.New(f.Bytes()...)); err != nil {
			r.failed.Add(1)
			observability.RecordDeliveryFailure(rule.Dest.Name())
			log.Warn().Msgf(
				"router.Router.Dispatch delivery failed src=%s dst=%s frame=%s err=%v",
				src,
				rule.Dest.Name(),
				f,
				err,
			)
			continue
		}
		r.delivered.Add(1)
		observability.RecordDelivery(src, rule.Dest.Name())
	}
	if matched == 0 {
		r.unrouted.Add(1)
		observability.RecordUnrouted(src)
		log.Debug().Msgf("router.Router.Dispatch unrouted src=%s frame=%s", src, f)
	}
	return matched
}

// Routes reports whether any rule would carry f from src.
func (r *Router) Routes(src frame.Address, f frame.Frame) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if rule.Source.Address() == src && rule.Match(f) {
			return true
		}
	}
	return false
}

func (r *Router) RuleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

func (r *Router) nameLocked(addr frame.Address) string {
	if name, ok := r.names[addr]; ok {
		return name
	}
	return "unknown"
}
