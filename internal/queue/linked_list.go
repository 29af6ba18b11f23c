// Package queue implements a singly linked FIFO list persisted in a kv.Store.
// Nodes and list metadata live under a caller-supplied key prefix, so several
// lists can share one store.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"GratisLedger/internal/kv"
)

var (
	ErrIDOverflow = errors.New("queue: node id overflow")
	ErrCorrupt    = errors.New("queue: corrupt list storage")
)

// Codec converts list values to and from bytes
type Codec[T any] interface {
	Encode(v T) []byte
	Decode(b []byte) (T, error)
}

// Uint64Codec stores values as 8-byte big-endian integers
type Uint64Codec struct{}

func (Uint64Codec) Encode(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func (Uint64Codec) Decode(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: uint64 value has %d bytes", ErrCorrupt, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// meta is the persisted list header.
// Layout: len u32 | has_ends u8 | head u64 | tail u64 | next_id u64
type meta struct {
	len     uint32
	hasEnds bool
	head    uint64
	tail    uint64
	nextID  uint64
}

const metaSize = 4 + 1 + 8 + 8 + 8

func (m meta) encode() []byte {
	buf := make([]byte, 0, metaSize)
	buf = binary.BigEndian.AppendUint32(buf, m.len)
	if m.hasEnds {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, m.head)
	buf = binary.BigEndian.AppendUint64(buf, m.tail)
	buf = binary.BigEndian.AppendUint64(buf, m.nextID)
	return buf
}

func decodeMeta(b []byte) (meta, error) {
	if len(b) != metaSize {
		return meta{}, fmt.Errorf("%w: metadata has %d bytes", ErrCorrupt, len(b))
	}
	return meta{
		len:     binary.BigEndian.Uint32(b[0:4]),
		hasEnds: b[4] == 1,
		head:    binary.BigEndian.Uint64(b[5:13]),
		tail:    binary.BigEndian.Uint64(b[13:21]),
		nextID:  binary.BigEndian.Uint64(b[21:29]),
	}, nil
}

// node layout: has_next u8 | next u64 | value...
type node struct {
	hasNext bool
	next    uint64
	value   []byte
}

func (n node) encode() []byte {
	buf := make([]byte, 0, 9+len(n.value))
	if n.hasNext {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, n.next)
	return append(buf, n.value...)
}

func decodeNode(b []byte) (node, error) {
	if len(b) < 9 {
		return node{}, fmt.Errorf("%w: node has %d bytes", ErrCorrupt, len(b))
	}
	return node{
		hasNext: b[0] == 1,
		next:    binary.BigEndian.Uint64(b[1:9]),
		value:   b[9:],
	}, nil
}

// List is a FIFO queue with head insertion. It is not safe for concurrent
// mutation; the owner serializes access.
type List[T any] struct {
	store  kv.Store
	prefix []byte
	codec  Codec[T]
	meta   meta
}

// Open loads the list stored under prefix, or starts an empty one.
func Open[T any](store kv.Store, prefix []byte, codec Codec[T]) (*List[T], error) {
	l := &List[T]{
		store:  store,
		prefix: append([]byte(nil), prefix...),
		codec:  codec,
	}

	raw, err := store.Get(l.metaKey())
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("queue: load metadata: %w", err)
	}

	m, err := decodeMeta(raw)
	if err != nil {
		return nil, err
	}
	l.meta = m
	return l, nil
}

func (l *List[T]) metaKey() []byte {
	return append(append([]byte(nil), l.prefix...), 'm')
}

func (l *List[T]) nodeKey(id uint64) []byte {
	key := append(append([]byte(nil), l.prefix...), 'n')
	return binary.BigEndian.AppendUint64(key, id)
}

func (l *List[T]) newID() (uint64, error) {
	if l.meta.nextID == math.MaxUint64 {
		return 0, ErrIDOverflow
	}
	id := l.meta.nextID
	l.meta.nextID++
	return id, nil
}

func (l *List[T]) getNode(id uint64) (node, error) {
	raw, err := l.store.Get(l.nodeKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return node{}, fmt.Errorf("%w: node %d missing", ErrCorrupt, id)
	}
	if err != nil {
		return node{}, fmt.Errorf("queue: read node %d: %w", id, err)
	}
	return decodeNode(raw)
}

func (l *List[T]) putNode(id uint64, n node) error {
	if err := l.store.Put(l.nodeKey(id), n.encode()); err != nil {
		return fmt.Errorf("queue: write node %d: %w", id, err)
	}
	return nil
}

func (l *List[T]) saveMeta() error {
	if err := l.store.Put(l.metaKey(), l.meta.encode()); err != nil {
		return fmt.Errorf("queue: write metadata: %w", err)
	}
	return nil
}

func (l *List[T]) Len() uint32 {
	return l.meta.len
}

func (l *List[T]) IsEmpty() bool {
	return l.meta.len == 0
}

// NextID exposes the next node id (reset to 0 whenever the list drains).
func (l *List[T]) NextID() uint64 {
	return l.meta.nextID
}

// Enqueue appends v at the tail.
func (l *List[T]) Enqueue(v T) error {
	id, err := l.newID()
	if err != nil {
		return err
	}

	if err := l.putNode(id, node{value: l.codec.Encode(v)}); err != nil {
		return err
	}

	if l.meta.hasEnds {
		tail, err := l.getNode(l.meta.tail)
		if err != nil {
			return err
		}
		tail.hasNext = true
		tail.next = id
		if err := l.putNode(l.meta.tail, tail); err != nil {
			return err
		}
		l.meta.tail = id
	} else {
		l.meta.hasEnds = true
		l.meta.head = id
		l.meta.tail = id
	}

	l.meta.len++
	return l.saveMeta()
}

// Prepend inserts v at the head.
func (l *List[T]) Prepend(v T) error {
	id, err := l.newID()
	if err != nil {
		return err
	}

	n := node{value: l.codec.Encode(v)}
	if l.meta.hasEnds {
		n.hasNext = true
		n.next = l.meta.head
		l.meta.head = id
	} else {
		l.meta.hasEnds = true
		l.meta.head = id
		l.meta.tail = id
	}

	if err := l.putNode(id, n); err != nil {
		return err
	}

	l.meta.len++
	return l.saveMeta()
}

// Dequeue removes and returns the head. ok is false when the list is empty.
func (l *List[T]) Dequeue() (v T, ok bool, err error) {
	if !l.meta.hasEnds {
		return v, false, nil
	}

	headID := l.meta.head
	head, err := l.getNode(headID)
	if err != nil {
		return v, false, err
	}
	v, err = l.codec.Decode(head.value)
	if err != nil {
		return v, false, err
	}

	if err := l.store.Delete(l.nodeKey(headID)); err != nil {
		return v, false, fmt.Errorf("queue: delete node %d: %w", headID, err)
	}

	l.meta.len--
	if headID == l.meta.tail {
		l.meta.hasEnds = false
		l.meta.head = 0
		l.meta.tail = 0
		l.meta.nextID = 0
	} else {
		if !head.hasNext {
			return v, false, fmt.Errorf("%w: head %d has no successor", ErrCorrupt, headID)
		}
		l.meta.head = head.next
	}

	if err := l.saveMeta(); err != nil {
		return v, false, err
	}
	return v, true, nil
}

func (l *List[T]) valueAt(id uint64) (T, error) {
	n, err := l.getNode(id)
	if err != nil {
		var zero T
		return zero, err
	}
	return l.codec.Decode(n.value)
}

// Peek returns the head without removing it.
func (l *List[T]) Peek() (v T, ok bool, err error) {
	if !l.meta.hasEnds {
		return v, false, nil
	}
	v, err = l.valueAt(l.meta.head)
	return v, err == nil, err
}

// PeekBack returns the tail without removing it.
func (l *List[T]) PeekBack() (v T, ok bool, err error) {
	if !l.meta.hasEnds {
		return v, false, nil
	}
	v, err = l.valueAt(l.meta.tail)
	return v, err == nil, err
}

// Replace overwrites the head value. No-op on an empty list.
func (l *List[T]) Replace(v T) error {
	if !l.meta.hasEnds {
		return nil
	}
	head, err := l.getNode(l.meta.head)
	if err != nil {
		return err
	}
	head.value = l.codec.Encode(v)
	return l.putNode(l.meta.head, head)
}

// Iter walks the list from head to tail until fn returns false.
func (l *List[T]) Iter(fn func(v T) bool) error {
	if !l.meta.hasEnds {
		return nil
	}
	id := l.meta.head
	for {
		n, err := l.getNode(id)
		if err != nil {
			return err
		}
		v, err := l.codec.Decode(n.value)
		if err != nil {
			return err
		}
		if !fn(v) || !n.hasNext {
			return nil
		}
		id = n.next
	}
}

// Values returns all values from head to tail.
func (l *List[T]) Values() ([]T, error) {
	out := make([]T, 0, l.meta.len)
	err := l.Iter(func(v T) bool {
		out = append(out, v)
		return true
	})
	return out, err
}

// Clear drops every node and resets the metadata.
func (l *List[T]) Clear() error {
	for !l.IsEmpty() {
		if _, _, err := l.Dequeue(); err != nil {
			return err
		}
	}
	l.meta = meta{}
	return l.saveMeta()
}
