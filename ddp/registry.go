package ddp

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Id generation
// ============================================================================

// IDGenerator produces correlation ids. Ids only need to be unique among the
// operations pending on one connection; they need not be unguessable.
type IDGenerator interface {
	NextID() string
}

// CounterIDs issues "1", "2", "3", ...
type CounterIDs struct {
	next uint64
}

func (c *CounterIDs) NextID() string {
	c.next++
	return strconv.FormatUint(c.next, 10)
}

// ULIDIDs issues ULID strings.
type ULIDIDs struct{}

func (ULIDIDs) NextID() string {
	return ulid.Make().String()
}

// ============================================================================
// Registry
// ============================================================================

// OpKind tells a method call from a subscription.
type OpKind int

const (
	CallOp OpKind = iota
	SubscriptionOp
)

func (k OpKind) String() string {
	switch k {
	case CallOp:
		return "call"
	case SubscriptionOp:
		return "subscription"
	}
	return "unknown"
}

// Completion receives the outcome of a call or subscription. For a call it is
// the result or a *RemoteError. For a subscription it is (nil, nil) once the
// peer reports the subscription ready, or (nil, err) on nosub: the peer's
// *RemoteError, or ErrSubscriptionStopped when the nosub carries none.
type Completion func(result json.RawMessage, err error)

type pendingOp struct {
	kind       OpKind
	name       string
	completion Completion
	issuedAt   time.Time
}

// Registry maps correlation ids to the completions of outstanding operations.
// It is not safe for concurrent use; a Client serializes access to it.
type Registry struct {
	ids     IDGenerator
	pending map[string]*pendingOp
}

// NewRegistry creates a registry drawing ids from ids, or from a CounterIDs
// when ids is nil.
func NewRegistry(ids IDGenerator) *Registry {
	if ids == nil {
		ids = &CounterIDs{}
	}
	return &Registry{
		ids:     ids,
		pending: make(map[string]*pendingOp),
	}
}

// maxAllocateAttempts bounds how many pending ids Allocate skips.
const maxAllocateAttempts = 1000

// Allocate returns an id that is not currently pending, or ErrIDsExhausted
// if the generator produced only pending ids for maxAllocateAttempts tries.
func (r *Registry) Allocate() (string, error) {
	for range maxAllocateAttempts {
		id := r.ids.NextID()
		if _, exists := r.pending[id]; !exists {
			return id, nil
		}
	}
	return "", ErrIDsExhausted
}

// Register records completion under id.
func (r *Registry) Register(id string, kind OpKind, name string, completion Completion) error {
	if _, exists := r.pending[id]; exists {
		return ErrDuplicateID
	}
	r.pending[id] = &pendingOp{
		kind:       kind,
		name:       name,
		completion: completion,
		issuedAt:   time.Now(),
	}
	return nil
}

// Resolve removes the entry for id and invokes its completion. It returns
// false and does nothing when id is not pending: responses for unknown or
// already resolved ids are expected and dropped.
func (r *Registry) Resolve(id string, result json.RawMessage, err error) bool {
	op, exists := r.pending[id]
	if !exists {
		return false
	}
	delete(r.pending, id)
	glog.V(2).Infof("resolved %s %s (%q) after %s", op.kind, id, op.name, time.Since(op.issuedAt))
	if op.completion != nil {
		op.completion(result, err)
	}
	return true
}

// Forget drops the entry for id without invoking its completion.
func (r *Registry) Forget(id string) bool {
	if _, exists := r.pending[id]; !exists {
		return false
	}
	delete(r.pending, id)
	return true
}

// Lookup reports the kind of the pending operation with the given id.
func (r *Registry) Lookup(id string) (OpKind, bool) {
	op, exists := r.pending[id]
	if !exists {
		return 0, false
	}
	return op.kind, true
}

// Pending returns the number of unresolved operations.
func (r *Registry) Pending() int {
	return len(r.pending)
}
