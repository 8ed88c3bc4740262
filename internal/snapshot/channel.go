// Package snapshot implements the buffered, single-writer/multi-reader
// exchange: a bounded pool of cells lets one writer hand off a value-typed
// payload to N independent readers without blocking the writer and without
// tearing a reader's view.
//
// The state machine (Free{age} / LockedForWriting / LockedForReading{age,
// readers}) and the buffer-selection rules (oldest free cell for writing,
// newest free-or-locked-for-reading cell for reading) are carried over from
// original_source/crates/buffered_watch/src/{sender,receiver}.rs. Go has no
// tokio::sync::watch equivalent in the standard library, so change
// notification is built from a sync.Cond guarding a monotonic version
// counter: WaitForChange polls the counter under the cond, giving an
// edge-triggered, last-write-wins notification where spurious wakeups are
// permitted.
package snapshot

import (
	"errors"
	"sync"
)

// ErrNoSender is returned by WaitForChange once the writer has closed the
// channel. It is the only error the buffered snapshot channel ever produces;
// reads and writes themselves never fail.
var ErrNoSender = errors.New("snapshot: no sender")

type cellState int

const (
	stateFree cellState = iota
	stateLockedForWriting
	stateLockedForReading
)

type cell[T any] struct {
	state   cellState
	age     int
	readers int
	value   T
}

// Channel is the shared pool backing one Writer and any number of Readers.
// It is never used directly; obtain a Writer with New and Readers with
// Writer.NewReader / Reader.Clone.
type Channel[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	cells   []cell[T]
	version uint64
	closed  bool
}

// New creates a channel with an initial pool of size initialReaders+2 (one
// cell being written, one spare, one per expected reader) and returns the
// sole Writer. Every NewReader or Reader.Clone call adds one more cell on
// top of that initial pool.
func New[T any](initialReaders int) *Writer[T] {
	ch := &Channel[T]{
		cells: make([]cell[T], initialReaders+2),
	}
	ch.cond = sync.NewCond(&ch.mu)
	return &Writer[T]{ch: ch}
}

// Writer is the exclusive handle used to publish new values. There is
// exactly one Writer per Channel.
type Writer[T any] struct {
	ch *Channel[T]
}

// WriteGuard is the RAII-style handle returned by BorrowForWrite. The zero
// value is not usable; always obtain one through BorrowForWrite and call
// Commit exactly once.
type WriteGuard[T any] struct {
	ch    *Channel[T]
	index int
	value *T
}

// BorrowForWrite finds the oldest Free cell, marks it LockedForWriting, and
// returns a guard giving mutable access to it. It never blocks: the pool is
// sized so a free cell always exists (§4.1 "wait-free when at least one Free
// cell exists").
func (w *Writer[T]) BorrowForWrite() *WriteGuard[T] {
	ch := w.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()

	index := -1
	bestAge := -1
	for i, c := range ch.cells {
		if c.state == stateFree && c.age > bestAge {
			bestAge = c.age
			index = i
		}
	}
	if index == -1 {
		// The pool is sized readers+writer+1, so this should never happen;
		// grow defensively rather than deadlock the writer (writer progress
		// must never be blocked by reader behavior.
		ch.cells = append(ch.cells, cell[T]{state: stateFree, age: 0})
		index = len(ch.cells) - 1
	}
	ch.cells[index].state = stateLockedForWriting
	return &WriteGuard[T]{ch: ch, index: index, value: &ch.cells[index].value}
}

// Value returns a pointer to the cell under construction so the caller can
// populate fields in place before Commit.
func (g *WriteGuard[T]) Value() *T {
	return g.value
}

// Commit publishes the cell: it is marked Free{age: 0}, every other
// non-writing cell's age is incremented, and waiters on WaitForChange are
// woken. Commit must be called exactly once per guard.
func (g *WriteGuard[T]) Commit() {
	ch := g.ch
	ch.mu.Lock()
	for i := range ch.cells {
		if i == g.index {
			ch.cells[i].state = stateFree
			ch.cells[i].age = 0
			continue
		}
		if ch.cells[i].state != stateLockedForWriting {
			ch.cells[i].age++
		}
	}
	ch.version++
	ch.mu.Unlock()
	ch.cond.Broadcast()
}

// Close marks the channel closed: outstanding reads keep working, but every
// blocked or future WaitForChange returns ErrNoSender. Matches "dropping the
// writer closes the channel.
func (w *Writer[T]) Close() {
	ch := w.ch
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	ch.cond.Broadcast()
}

// NewReader creates a Reader for this channel. Each call to NewReader or
// Reader.Clone appends one cell to the pool, on top of the initialReaders+2
// cells New allocated.
func (w *Writer[T]) NewReader() *Reader[T] {
	ch := w.ch
	ch.mu.Lock()
	ch.cells = append(ch.cells, cell[T]{state: stateFree, age: 0})
	version := ch.version
	ch.mu.Unlock()
	return &Reader[T]{ch: ch, seenVersion: version}
}

// Reader is one consumer's handle into the channel. Readers are not safe for
// concurrent use by multiple goroutines; clone a Reader per goroutine.
type Reader[T any] struct {
	ch          *Channel[T]
	seenVersion uint64
}

// ReadGuard is the RAII-style handle returned by BorrowForRead /
// BorrowForReadMarkSeen. Call Release when done observing the value.
type ReadGuard[T any] struct {
	ch    *Channel[T]
	index int
	value *T
}

// Value returns the observed snapshot. The guard must still be held (not
// yet Released) for the pointer to remain valid.
func (g *ReadGuard[T]) Value() *T {
	return g.value
}

// Release decrements the cell's reader count; when it reaches zero the cell
// returns to Free{age} with its age preserved.
func (g *ReadGuard[T]) Release() {
	ch := g.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()
	c := &ch.cells[g.index]
	c.readers--
	if c.readers == 0 {
		c.state = stateFree
	}
}

// BorrowForRead finds the newest cell that is Free or already
// LockedForReading, locks it for reading (incrementing its reader count),
// and returns a guard. It never blocks and never fails while the channel is
// alive.
func (r *Reader[T]) BorrowForRead() *ReadGuard[T] {
	return r.borrow(false)
}

// BorrowForReadMarkSeen behaves like BorrowForRead but additionally clears
// this reader's "changed since last looked" flag, so a subsequent
// WaitForChange blocks until the *next* commit rather than returning
// immediately for a commit already observed via this borrow.
func (r *Reader[T]) BorrowForReadMarkSeen() *ReadGuard[T] {
	return r.borrow(true)
}

func (r *Reader[T]) borrow(markSeen bool) *ReadGuard[T] {
	ch := r.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()

	index := r.lockNewestReadableLocked()
	if markSeen {
		r.seenVersion = ch.version
	}
	return &ReadGuard[T]{ch: ch, index: index, value: &ch.cells[index].value}
}

func (r *Reader[T]) lockNewestReadableLocked() int {
	ch := r.ch
	index := -1
	bestAge := int(^uint(0) >> 1)
	for i, c := range ch.cells {
		if (c.state == stateFree || c.state == stateLockedForReading) && c.age < bestAge {
			bestAge = c.age
			index = i
		}
	}
	c := &ch.cells[index]
	if c.state == stateFree {
		c.state = stateLockedForReading
		c.readers = 1
	} else {
		c.readers++
	}
	return index
}

// WaitForChange suspends until the next writer commit that happened after
// the last borrow/wait observed by this reader, or returns ErrNoSender once
// the writer has closed the channel. Spurious wakeups are permitted by the
// contract; callers must re-check their condition (§4.1).
func (r *Reader[T]) WaitForChange() error {
	ch := r.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for ch.version == r.seenVersion && !ch.closed {
		ch.cond.Wait()
	}
	if ch.closed && ch.version == r.seenVersion {
		return ErrNoSender
	}
	r.seenVersion = ch.version
	return nil
}

// Clone creates an independent Reader sharing the same channel, appending
// one cell to the pool (so the pool continues to satisfy readers+writer+1).
// Dropping (garbage-collecting) a Reader does not reclaim its cell in this
// Go port — callers that dynamically stop reading should call Close
// explicitly.
func (r *Reader[T]) Clone() *Reader[T] {
	ch := r.ch
	ch.mu.Lock()
	ch.cells = append(ch.cells, cell[T]{state: stateFree, age: 0})
	version := ch.version
	ch.mu.Unlock()
	return &Reader[T]{ch: ch, seenVersion: version}
}

// Close reclaims exactly one cell from the pool — the oldest Free cell —
// mirroring Receiver::drop in original_source/crates/buffered_watch/src/receiver.rs.
// It is the caller's responsibility to stop using the Reader afterward.
func (r *Reader[T]) Close() {
	ch := r.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()
	index := -1
	bestAge := -1
	for i, c := range ch.cells {
		if c.state == stateFree && c.age > bestAge {
			bestAge = c.age
			index = i
		}
	}
	if index == -1 {
		return
	}
	ch.cells = append(ch.cells[:index], ch.cells[index+1:]...)
}

// CellAges returns the age of every cell currently Free or
// LockedForReading, in pool order, for use by tests asserting age
// monotonicity.
func (ch *Channel[T]) CellAges() []int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ages := make([]int, 0, len(ch.cells))
	for _, c := range ch.cells {
		if c.state != stateLockedForWriting {
			ages = append(ages, c.age)
		}
	}
	return ages
}

// Ages exposes the same information from a Writer for convenience in tests
// that only hold the Writer handle.
func (w *Writer[T]) Ages() []int {
	return w.ch.CellAges()
}
