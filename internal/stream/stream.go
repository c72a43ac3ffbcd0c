// Package stream implements the bounded sample buffer that connects blocks.
//
// A Stream has exactly one producer and any number of consumer taps. Each tap
// keeps its own read cursor; the producer is throttled by the slowest active
// tap. Closing the stream (or a tap) is the only mechanism used to wake
// goroutines blocked in a read or write.
package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultCapacity is the stream capacity used when no override is configured.
const DefaultCapacity = 1 << 20

var (
	// ErrNotConfigured is raised when a stream is built from a zero Config.
	ErrNotConfigured = errors.New("stream capacity not configured")
	// ErrClosed is returned by writes on a closed stream.
	ErrClosed = errors.New("stream closed")
	// ErrCommitTooLarge is returned when committing more than was reserved.
	ErrCommitTooLarge = errors.New("commit exceeds reservation")
)

// Config carries the process-wide stream sizing. The zero value means
// "not configured yet" and is rejected by New.
type Config struct {
	Capacity int
}

// DefaultConfig returns a Config using DefaultCapacity.
func DefaultConfig() Config { return Config{Capacity: DefaultCapacity} }

// Validate reports whether the config can be used to build streams.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return ErrNotConfigured
	}
	return nil
}

// Stats is a point-in-time view of a stream.
type Stats struct {
	Capacity int    `json:"capacity"`
	Written  uint64 `json:"written"`
	Buffered int    `json:"buffered"`
	Stalls   uint64 `json:"stalls"`
	Taps     int    `json:"taps"`
	Closed   bool   `json:"closed"`
}

// Stream is a fixed-capacity single-producer ring buffer.
type Stream[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []T

	w        uint64 // total committed samples
	reserved int
	floor    uint64 // retention floor while no tap is attached
	taps     map[*Tap[T]]struct{}
	closed   bool
	stalls   uint64
}

// New builds a stream sized from cfg. It panics with ErrNotConfigured when
// cfg has not been set up, which catches use-before-init at the first
// construction.
func New[T any](cfg Config) *Stream[T] {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	s := &Stream[T]{
		buf:  make([]T, cfg.Capacity),
		taps: make(map[*Tap[T]]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Cap returns the fixed capacity of the stream.
func (s *Stream[T]) Cap() int { return len(s.buf) }

// lowWaterLocked returns the oldest sample index still owed to a consumer.
func (s *Stream[T]) lowWaterLocked() uint64 {
	if len(s.taps) == 0 {
		return s.floor
	}
	low := s.w
	for t := range s.taps {
		if t.active && t.r < low {
			low = t.r
		}
	}
	return low
}

// ReserveWrite blocks until at least one slot is free and returns a
// contiguous writable region of up to n samples. The region must be
// published with CommitWrite before the next reservation.
func (s *Stream[T]) ReserveWrite(n int) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := uint64(len(s.buf))
	stalled := false
	for !s.closed && s.w-s.lowWaterLocked() >= capacity {
		if !stalled {
			s.stalls++
			stalled = true
		}
		s.cond.Wait()
	}
	if s.closed {
		return nil, ErrClosed
	}

	free := int(capacity - (s.w - s.lowWaterLocked()))
	start := int(s.w % capacity)
	k := min(n, free, len(s.buf)-start)
	s.reserved = k
	return s.buf[start : start+k], nil
}

// CommitWrite publishes n samples of the current reservation and wakes
// blocked readers.
func (s *Stream[T]) CommitWrite(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.reserved {
		return fmt.Errorf("commit %d of %d: %w", n, s.reserved, ErrCommitTooLarge)
	}
	s.reserved = 0
	if s.closed {
		return ErrClosed
	}
	if n <= 0 {
		return nil
	}
	s.w += uint64(n)
	s.cond.Broadcast()
	return nil
}

// Write copies all of data into the stream, blocking on backpressure.
func (s *Stream[T]) Write(data []T) error {
	for len(data) > 0 {
		region, err := s.ReserveWrite(len(data))
		if err != nil {
			return err
		}
		n := copy(region, data)
		if err := s.CommitWrite(n); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Close marks the stream closed and wakes every waiter. Committed samples
// remain readable; readers get io.EOF once they are drained. Close is
// idempotent.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Stream[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stats returns a snapshot of the stream counters.
func (s *Stream[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Capacity: len(s.buf),
		Written:  s.w,
		Buffered: int(s.w - s.lowWaterLocked()),
		Stalls:   s.stalls,
		Taps:     len(s.taps),
		Closed:   s.closed,
	}
}

// Tap attaches a new consumer. The first tap on a stream with no consumers
// receives everything still retained; later taps start at the write cursor.
func (s *Stream[T]) Tap(name string) *Tap[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Tap[T]{s: s, name: name, active: true}
	if len(s.taps) == 0 {
		t.r = s.floor
	} else {
		t.r = s.w
	}
	s.taps[t] = struct{}{}
	return t
}

// Tap is one consumer cursor on a Stream.
type Tap[T any] struct {
	s        *Stream[T]
	name     string
	r        uint64
	active   bool
	closed   bool
	consumed uint64
}

// Name returns the tap name.
func (t *Tap[T]) Name() string { return t.name }

// Stream returns the stream this tap reads from.
func (t *Tap[T]) Stream() *Stream[T] { return t.s }

// SetActive toggles whether the tap participates in backpressure. An
// inactive tap never throttles the producer and sees no data; re-activating
// resumes at the current write cursor.
func (t *Tap[T]) SetActive(active bool) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.active == active {
		return
	}
	if active {
		t.r = s.w
	}
	t.active = active
	s.cond.Broadcast()
}

// Active reports whether the tap is active.
func (t *Tap[T]) Active() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.active
}

// Pending returns the number of samples readable right now.
func (t *Tap[T]) Pending() int {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.availableLocked()
}

// Consumed returns the number of samples this tap has read.
func (t *Tap[T]) Consumed() uint64 {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.consumed
}

func (t *Tap[T]) availableLocked() int {
	if !t.active || t.closed {
		return 0
	}
	return int(t.s.w - t.r)
}

func (t *Tap[T]) doneLocked() bool {
	return t.closed || (t.s.closed && t.availableLocked() == 0)
}

// Read blocks until len(buf) samples are available or the stream is closed,
// then copies them. A buffer larger than the stream capacity is filled up
// to Cap samples per call. After close it returns whatever is left and then
// io.EOF.
func (t *Tap[T]) Read(buf []T) (int, error) {
	return t.read(buf, len(buf))
}

// ReadSome blocks until at least one sample is available and copies up to
// len(buf) samples.
func (t *Tap[T]) ReadSome(buf []T) (int, error) {
	return t.read(buf, 1)
}

func (t *Tap[T]) read(buf []T, want int) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	want = min(want, len(s.buf))
	for !t.closed && !s.closed && t.availableLocked() < want {
		s.cond.Wait()
	}
	if t.doneLocked() {
		return 0, io.EOF
	}

	n := min(len(buf), t.availableLocked())
	capacity := uint64(len(s.buf))
	start := int(t.r % capacity)
	first := copy(buf[:n], s.buf[start:])
	if first < n {
		copy(buf[first:n], s.buf[:n-first])
	}
	t.r += uint64(n)
	t.consumed += uint64(n)
	s.cond.Broadcast()
	return n, nil
}

// Close detaches the tap and wakes anything blocked on it. Close is
// idempotent.
func (t *Tap[T]) Close() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	delete(s.taps, t)
	if len(s.taps) == 0 {
		s.floor = s.w
	}
	s.cond.Broadcast()
}
