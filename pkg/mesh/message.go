package mesh

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"sync/atomic"
)

// PayloadKind identifies which of the three payload shapes a Message
// carries.
type PayloadKind int

const (
	// Raw carries an opaque byte buffer. It is the only kind bridgeable
	// across a TCP connection, and the only kind duplicable.
	Raw PayloadKind = iota
	// Clone carries a typed Go value, shareable by copy, local to this
	// process. Every accepting endpoint shares the stored value; TakePayload
	// hands each receiver a Go copy of it.
	Clone
	// Sync carries a uniquely owned typed Go value. Exactly one accepting
	// endpoint across a fan-out wins the claim; the rest see nothing.
	Sync
)

func (k PayloadKind) String() string {
	switch k {
	case Raw:
		return "raw"
	case Clone:
		return "clone"
	case Sync:
		return "sync"
	default:
		return "unknown"
	}
}

// Header carries the address a Message is routed by.
type Header struct {
	SrcNet      Id
	SrcEndpoint Id
	DstNet      Id
	DstEndpoint Id
	// CanLoop permits delivery back to the endpoint that sent it.
	CanLoop bool
}

// Message is the unit of delivery between endpoints: an address header plus
// exactly one of a Raw, Clone, or Sync payload.
type Message struct {
	Header
	kind PayloadKind
	raw  *Buffer
	tc   *typedPayload
}

// typedPayload backs both Clone and Sync messages: a tagged Go value plus,
// for Sync, the one-shot claim token shared across every shallow clone of
// the envelope.
type typedPayload struct {
	typeTag uint64
	typeStr string
	size    int
	value   any
	claim   *atomic.Bool // nil for Clone, non-nil for Sync
}

// NewRaw creates a Raw message with a freshly allocated buffer of the given
// capacity.
func NewRaw(capacity int) *Message {
	return &Message{kind: Raw, raw: NewBuffer(capacity)}
}

// NewRawFromBuffer creates a Raw message wrapping an existing buffer.
func NewRawFromBuffer(b *Buffer) *Message {
	return &Message{kind: Raw, raw: b}
}

// NewRawFromBytes creates a Raw message by copying b into a new buffer.
func NewRawFromBytes(b []byte) *Message {
	return &Message{kind: Raw, raw: NewBufferFromBytes(b)}
}

// NewClone creates a Clone message wrapping t. Every endpoint that accepts
// it during a fan-out shares the same stored t; TakePayload returns a Go
// copy of it, so pointers, slices and maps inside t stay shared.
func NewClone[T any](t T) *Message {
	return &Message{kind: Clone, tc: &typedPayload{
		typeTag: typeTagOf[T](),
		typeStr: typeStrOf[T](),
		size:    int(reflect.TypeOf(t).Size()),
		value:   t,
	}}
}

// NewSync creates a Sync message wrapping t. Across a fan-out to many
// endpoints, exactly one endpoint's receive call claims it; the rest
// silently discard their copy of the envelope.
func NewSync[T any](t T) *Message {
	claim := &atomic.Bool{}
	claim.Store(true)
	return &Message{kind: Sync, tc: &typedPayload{
		typeTag: typeTagOf[T](),
		typeStr: typeStrOf[T](),
		size:    int(reflect.TypeOf(t).Size()),
		value:   t,
		claim:   claim,
	}}
}

// Kind reports which payload shape this message carries.
func (m *Message) Kind() PayloadKind { return m.kind }

// IsRaw reports whether this is a Raw message.
func (m *Message) IsRaw() bool { return m.kind == Raw }

// IsClone reports whether this is a Clone message.
func (m *Message) IsClone() bool { return m.kind == Clone }

// IsSync reports whether this is a Sync message.
func (m *Message) IsSync() bool { return m.kind == Sync }

// Cap returns the total capacity consumed by this message's payload, used
// for per-endpoint memory accounting.
func (m *Message) Cap() int {
	switch m.kind {
	case Raw:
		return m.raw.Capacity()
	default:
		return m.tc.size
	}
}

// RawBuffer returns the underlying buffer of a Raw message. Panics if the
// message is not Raw.
func (m *Message) RawBuffer() *Buffer {
	if m.kind != Raw {
		panic(fmt.Errorf("%w: RawBuffer called on %s message", ErrWrongPayloadKind, m.kind))
	}
	return m.raw
}

// IsType reports whether a Clone or Sync message carries a T. Always false
// for Raw messages.
func IsType[T any](m *Message) bool {
	if m.kind != Clone && m.kind != Sync {
		return false
	}
	return m.tc.typeTag == typeTagOf[T]()
}

// TakePayload extracts the T carried by a Clone or Sync message. Panics if
// the message is Raw or the type tag does not match T.
func TakePayload[T any](m *Message) T {
	if m.kind != Clone && m.kind != Sync {
		panic(fmt.Errorf("%w: TakePayload called on %s message", ErrWrongPayloadKind, m.kind))
	}
	if m.tc.typeTag != typeTagOf[T]() {
		panic(fmt.Errorf("%w: message carries %s, not %s", ErrTypeMismatch, m.tc.typeStr, typeStrOf[T]()))
	}
	return m.tc.value.(T)
}

// Duplicate allocates an independent copy of a Raw message's buffer. Panics
// for any other kind: only Raw payloads may leave the process boundary of a
// single shared buffer, so only Raw supports an owned copy.
func (m *Message) Duplicate() *Message {
	if m.kind != Raw {
		panic(fmt.Errorf("%w: Duplicate called on %s message", ErrWrongPayloadKind, m.kind))
	}
	dup := &Message{Header: m.Header, kind: Raw, raw: m.raw.Duplicate()}
	return dup
}

// ShallowClone returns a copy of the message sharing its payload: for Raw,
// the same underlying buffer; for Clone, the same tagged value. Panics for
// Sync, which is unique by design and must never be cloned by caller code.
func (m *Message) ShallowClone() *Message {
	switch m.kind {
	case Raw:
		return &Message{Header: m.Header, kind: Raw, raw: m.raw.Clone()}
	case Clone:
		return &Message{Header: m.Header, kind: Clone, tc: m.tc}
	default:
		panic(fmt.Errorf("%w: tried to clone a Sync message, which is unique", ErrWrongPayloadKind))
	}
}

// fanoutClone is the internal, per-accepting-endpoint duplication used by
// Net/Endpoint delivery. Unlike ShallowClone it is defined for Sync too: it
// shares the envelope's claim token across every accepting endpoint so that
// exactly one of them wins the claim on receive.
func (m *Message) fanoutClone() *Message {
	switch m.kind {
	case Raw:
		return &Message{Header: m.Header, kind: Raw, raw: m.raw.Clone()}
	case Clone:
		return &Message{Header: m.Header, kind: Clone, tc: m.tc}
	case Sync:
		return &Message{Header: m.Header, kind: Sync, tc: m.tc}
	default:
		panic("mesh: unknown payload kind")
	}
}

// tryClaim attempts to win a Sync message's one-shot claim. Always true for
// non-Sync kinds.
func (m *Message) tryClaim() bool {
	if m.kind != Sync {
		return true
	}
	return m.tc.claim.CompareAndSwap(true, false)
}

func typeTagOf[T any]() uint64 {
	return fnvHash(typeStrOf[T]())
}

func typeStrOf[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		t = reflect.TypeOf(&zero).Elem()
	}
	return t.String()
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
