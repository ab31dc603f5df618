package mesh

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Buffer is a reference-counted byte region with a logical length that may
// trail its capacity. Clone shares the underlying bytes across handles;
// Duplicate allocates an independent copy.
//
// A zero-capacity buffer is not constructible: NewBuffer coerces cap 0 to 1,
// matching the allowance for zero-size marker payloads (Sync/Clone messages
// carrying a zero-size type).
type Buffer struct {
	i *bufferInternal
}

type bufferInternal struct {
	mu     sync.Mutex
	data   []byte
	length int
	refs   int32
}

// NewBuffer allocates a buffer with the given capacity and a length equal to
// that capacity. A requested capacity below 1 allocates 1 byte with a
// length of 0.
func NewBuffer(capacity int) *Buffer {
	length := capacity
	if capacity < 1 {
		capacity = 1
		length = 0
	}
	return &Buffer{i: &bufferInternal{
		data:   make([]byte, capacity),
		length: length,
		refs:   1,
	}}
}

// NewBufferFromBytes copies b into a freshly allocated buffer.
func NewBufferFromBytes(b []byte) *Buffer {
	buf := NewBuffer(len(b))
	copy(buf.i.data, b)
	return buf
}

// Clone returns a new handle sharing the same underlying bytes. Writes
// through one handle are visible through all its clones.
func (b *Buffer) Clone() *Buffer {
	atomic.AddInt32(&b.i.refs, 1)
	return &Buffer{i: b.i}
}

// Duplicate allocates a fresh region, copies the current capacity's worth of
// bytes into it, and returns an independent buffer with its own refcount.
func (b *Buffer) Duplicate() *Buffer {
	b.i.mu.Lock()
	defer b.i.mu.Unlock()
	nd := make([]byte, len(b.i.data))
	copy(nd, b.i.data)
	return &Buffer{i: &bufferInternal{data: nd, length: b.i.length, refs: 1}}
}

// RefCount returns the number of live handles sharing this buffer's bytes.
func (b *Buffer) RefCount() int32 {
	return atomic.LoadInt32(&b.i.refs)
}

// Release decrements the refcount. It does not free memory itself (the
// garbage collector reclaims the backing array once unreachable); it exists
// so callers and tests can observe the same lifecycle the reference-counted
// design calls for.
func (b *Buffer) Release() int32 {
	return atomic.AddInt32(&b.i.refs, -1)
}

// Capacity returns the total allocated size.
func (b *Buffer) Capacity() int {
	return len(b.i.data)
}

// Len returns the logical length, which is always <= Capacity.
func (b *Buffer) Len() int {
	b.i.mu.Lock()
	defer b.i.mu.Unlock()
	return b.i.length
}

// SetLen sets the logical length. Panics if length exceeds capacity.
func (b *Buffer) SetLen(length int) {
	b.i.mu.Lock()
	defer b.i.mu.Unlock()
	if length > len(b.i.data) {
		panic(fmt.Errorf("%w: len %d exceeds cap %d", ErrOutOfBounds, length, len(b.i.data)))
	}
	b.i.length = length
}

// WriteAt copies src into the buffer starting at offset, growing the
// logical length if the write extends past it. Panics if the write would
// run past capacity.
func (b *Buffer) WriteAt(offset int, src []byte) {
	b.i.mu.Lock()
	defer b.i.mu.Unlock()
	if offset < 0 || offset+len(src) > len(b.i.data) {
		panic(fmt.Errorf("%w: write [%d:%d) past cap %d", ErrOutOfBounds, offset, offset+len(src), len(b.i.data)))
	}
	copy(b.i.data[offset:], src)
	if end := offset + len(src); end > b.i.length {
		b.i.length = end
	}
}

// AsSlice returns the buffer's logical contents. The returned slice aliases
// the buffer's storage and is invalidated by any concurrent write.
func (b *Buffer) AsSlice() []byte {
	b.i.mu.Lock()
	defer b.i.mu.Unlock()
	return b.i.data[:b.i.length]
}

// AsMutSlice returns a mutable view over the buffer's logical contents.
func (b *Buffer) AsMutSlice() []byte {
	return b.AsSlice()
}

// PlainData marks a type as safe for a raw byte reinterpretation via
// WriteStruct/ReadStructUnchecked: it must contain no pointers, since the
// copy is a flat memcpy of its in-memory representation and does not follow
// references.
type PlainData interface {
	meshPlainData()
}

// WriteStruct copies the in-memory representation of v into the buffer at
// offset. Panics if the write would run past capacity.
func WriteStruct[T PlainData](b *Buffer, offset int, v T) {
	size := int(unsafe.Sizeof(v))
	b.WriteAt(offset, unsafe.Slice((*byte)(unsafe.Pointer(&v)), size))
}

// ReadStructUnchecked reinterprets sizeof(T) bytes at offset as a T. Panics
// if the read would run past capacity.
func ReadStructUnchecked[T PlainData](b *Buffer, offset int) T {
	var v T
	size := int(unsafe.Sizeof(v))
	b.i.mu.Lock()
	if offset < 0 || offset+size > len(b.i.data) {
		b.i.mu.Unlock()
		panic(fmt.Errorf("%w: read [%d:%d) past cap %d", ErrOutOfBounds, offset, offset+size, len(b.i.data)))
	}
	src := b.i.data[offset : offset+size]
	b.i.mu.Unlock()
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), size), src)
	return v
}
