// Package protocol implements the process-wide, startup-built, immutable
// type-id table: for each registered message type it holds a factory, a
// completion hook, and a pair of opaque serialize/deserialize hooks
// supplied by a Codec. New types are registered once, at startup, and the
// registry is never mutated afterwards — callers only read it from that
// point on, so it needs no lock.
package protocol

import (
	"fmt"
	"sync"

	"github.com/solidframe/solidipc/message"
)

// Codec is the minimal serialization capability the registry needs: encode
// a message value to bytes and decode bytes into a message value. Concrete
// codecs (protocol/codec_cbor.go, protocol/codec_ugorji.go) adapt a real
// third-party marshaling library to this shape; the registry itself never
// knows which one is in use.
type Codec interface {
	Name() string
	Marshal(v message.Message) ([]byte, error)
	Unmarshal(data []byte, v message.Message) error
}

// CompletionHook is invoked, through Registry.Complete from the Service that
// sent the message, once a message finishes sending (without WaitResponse)
// or a matching response arrives (with WaitResponse), or when the message
// fails. sent is always non-nil;
// received is nil unless a response was actually matched.
type CompletionHook func(ctx *Context, sent message.Message, received message.Message, err error)

// Context is the minimal per-call context passed to a completion hook. It
// is intentionally small: everything beyond dispatch is the caller's
// business.
type Context struct {
	RequestID message.RequestID
	PoolName  string
}

// Factory constructs a new, empty value of a registered message type, ready
// to be handed to Codec.Unmarshal.
type Factory func() message.Message

// entry is one row of the registry's dense type-id table.
type entry struct {
	typeName   string
	factory    Factory
	codec      Codec
	onComplete CompletionHook
}

// Registry is the process-wide type-id table. The zero value is not usable;
// construct with New.
type Registry struct {
	mu      sync.Mutex // held only during Register*, never during lookups
	built   bool
	entries map[uint32]*entry
	casts   map[castKey]castFunc

	minFreePacketData int
}

// New creates an empty registry. Call Register for every message type
// before the registry is handed to a reader/writer/service, then call
// Freeze (optional, documents intent — Register after Freeze returns an
// error).
func New() *Registry {
	return &Registry{
		entries: make(map[uint32]*entry),
		casts:   make(map[castKey]castFunc),
		// minFreePacketData: below this many free bytes, the writer prefers
		// to close out the current packet rather than start a new message
		// fragment in it.
		minFreePacketData: 16,
	}
}

// Register installs a message type under typeID. factory must return a new
// zero value of the same concrete type every call. onComplete may be nil
// for types that are never sent with a completion expectation (pure
// notifications).
func (r *Registry) Register(typeID uint32, typeName string, factory Factory, codec Codec, onComplete CompletionHook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.built {
		return fmt.Errorf("protocol: registry already frozen, cannot register type %d", typeID)
	}
	if _, exists := r.entries[typeID]; exists {
		return fmt.Errorf("protocol: type-id %d already registered", typeID)
	}
	if factory == nil || codec == nil {
		return fmt.Errorf("protocol: type-id %d: factory and codec are required", typeID)
	}
	r.entries[typeID] = &entry{
		typeName:   typeName,
		factory:    factory,
		codec:      codec,
		onComplete: onComplete,
	}
	return nil
}

// Freeze marks the registry as immutable; subsequent Register calls return
// an error. Freezing is optional but recommended once a Service or
// reader/writer pair begins using the registry concurrently.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.built = true
	r.mu.Unlock()
}

// lookup returns the entry for typeID, or ok=false if unregistered.
func (r *Registry) lookup(typeID uint32) (*entry, bool) {
	e, ok := r.entries[typeID]
	return e, ok
}

// NewValue constructs an empty message value for typeID using its
// registered factory.
func (r *Registry) NewValue(typeID uint32) (message.Message, error) {
	e, ok := r.lookup(typeID)
	if !ok {
		return nil, fmt.Errorf("protocol: unregistered type-id %d", typeID)
	}
	return e.factory(), nil
}

// Marshal encodes v (registered under typeID) using that type's codec.
func (r *Registry) Marshal(typeID uint32, v message.Message) ([]byte, error) {
	e, ok := r.lookup(typeID)
	if !ok {
		return nil, fmt.Errorf("protocol: unregistered type-id %d", typeID)
	}
	return e.codec.Marshal(v)
}

// Unmarshal decodes data into v (registered under typeID) using that type's
// codec.
func (r *Registry) Unmarshal(typeID uint32, data []byte, v message.Message) error {
	e, ok := r.lookup(typeID)
	if !ok {
		return fmt.Errorf("protocol: unregistered type-id %d", typeID)
	}
	return e.codec.Unmarshal(data, v)
}

// Complete invokes the registered completion hook for typeID, if any.
func (r *Registry) Complete(ctx *Context, typeID uint32, sent, received message.Message, err error) {
	e, ok := r.lookup(typeID)
	if !ok || e.onComplete == nil {
		return
	}
	e.onComplete(ctx, sent, received, err)
}

// TypeName returns the human-readable name registered for typeID, for
// logging.
func (r *Registry) TypeName(typeID uint32) string {
	if e, ok := r.lookup(typeID); ok {
		return e.typeName
	}
	return fmt.Sprintf("unknown(%d)", typeID)
}

// MinFreePacketData is the writer's "don't start a new message fragment
// with less room than this" threshold.
func (r *Registry) MinFreePacketData() int { return r.minFreePacketData }

// SetMinFreePacketData overrides the default threshold; intended to be
// called once during setup.
func (r *Registry) SetMinFreePacketData(n int) { r.minFreePacketData = n }
