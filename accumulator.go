package vault

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/segmentio/fasthash/fnv1a"

	"github.com/pmidvault/vault-go/wire"
)

// Request is implemented by every inbound message the Accumulator can gate.
type Request interface {
	Kind() wire.Kind
	ID() uint64
	Marshal() []byte
}

// QuorumChecker reports whether the given number of distinct senders is enough to act
// on a request.
type QuorumChecker func(distinctSenders int) bool

// AtLeast returns a QuorumChecker satisfied by n or more distinct senders.
func AtLeast(n int) QuorumChecker {
	return func(distinctSenders int) bool {
		return distinctSenders >= n
	}
}

// AccumulatorOptions configures an Accumulator.
type AccumulatorOptions struct {
	// QuorumSize is the number of distinct data manager senders required before a
	// group-sent request is acted on. Default is 3
	QuorumSize int

	// Capacity is the maximum number of pending and handled requests remembered.
	// Default is 10,000
	Capacity int

	// TTL is how long a pending or handled request is remembered. Default is 10 minutes
	TTL time.Duration
}

type pendingRequest struct {
	senders map[NodeID]struct{}
}

// Accumulator collects copies of the same request arriving from different senders and
// reports the moment enough distinct senders have been seen.
type Accumulator struct {
	mu      sync.Mutex
	pending otter.Cache[string, *pendingRequest]
	handled otter.Cache[string, struct{}]
	opts    AccumulatorOptions
}

const minAccumulatorCapacity = 100

// NewAccumulator creates an Accumulator. Close must be called to release the caches.
func NewAccumulator(opts AccumulatorOptions) (*Accumulator, error) {
	if opts.QuorumSize <= 0 {
		opts.QuorumSize = 3
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 10_000
	}
	// otter refuses items whose cost is too large a share of the capacity
	opts.Capacity = max(opts.Capacity, minAccumulatorCapacity)
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}

	a := &Accumulator{opts: opts}

	var err error
	a.pending, err = otter.MustBuilder[string, *pendingRequest](opts.Capacity).
		WithTTL(opts.TTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("while building pending request cache: %w", err)
	}

	a.handled, err = otter.MustBuilder[string, struct{}](opts.Capacity).
		WithTTL(opts.TTL).
		Build()
	if err != nil {
		a.pending.Close()
		return nil, fmt.Errorf("while building handled request cache: %w", err)
	}
	return a, nil
}

// RequiredRequests returns the quorum needed for requests of the given kind. Requests
// sent by a data manager group need QuorumSize distinct senders, requests sent by a
// single node need one.
func (a *Accumulator) RequiredRequests(kind wire.Kind) QuorumChecker {
	switch kind {
	case wire.KindPutRequest, wire.KindDeleteRequest:
		return AtLeast(a.opts.QuorumSize)
	case wire.KindAccountTransfer:
		return AtLeast(max(a.opts.QuorumSize-1, 1))
	default:
		return AtLeast(1)
	}
}

// AddPendingRequest records that sender delivered req. It returns true exactly once per
// request, when the number of distinct senders first satisfies required. Copies that
// arrive after that return false.
func (a *Accumulator) AddPendingRequest(req Request, sender NodeID, required QuorumChecker) bool {
	if required == nil {
		required = a.RequiredRequests(req.Kind())
	}
	id := requestIdentity(req)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.handled.Get(id); ok {
		return false
	}

	p, ok := a.pending.Get(id)
	if !ok {
		p = &pendingRequest{senders: make(map[NodeID]struct{})}
	}
	p.senders[sender] = struct{}{}

	if !required(len(p.senders)) {
		a.pending.Set(id, p)
		return false
	}

	a.pending.Delete(id)
	a.handled.Set(id, struct{}{})
	return true
}

// Pending returns the number of requests still waiting for a quorum.
func (a *Accumulator) Pending() int {
	return a.pending.Size()
}

func (a *Accumulator) Close() {
	a.pending.Close()
	a.handled.Close()
}

func requestIdentity(req Request) string {
	return req.Kind().String() + "/" +
		strconv.FormatUint(req.ID(), 10) + "/" +
		strconv.FormatUint(fnv1a.HashBytes64(req.Marshal()), 16)
}
