package stream

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewPanicsWhenNotConfigured(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("expected ErrNotConfigured panic, got %v", r)
		}
	}()
	New[complex64](Config{})
}

func TestBurstProducerBlocksAndPreservesOrder(t *testing.T) {
	const total = 10000
	s := New[complex64](Config{Capacity: 8192})
	tap := s.Tap("consumer")

	producerErr := make(chan error, 1)
	go func() {
		burst := make([]complex64, 1000)
		for sent := 0; sent < total; sent += len(burst) {
			for i := range burst {
				burst[i] = complex(float32(sent+i), 0)
			}
			if err := s.Write(burst); err != nil {
				producerErr <- err
				return
			}
		}
		s.Close()
		producerErr <- nil
	}()

	// Hold the consumer back until the producer has hit the capacity limit.
	require.Eventually(t, func() bool { return s.Stats().Stalls > 0 }, 2*time.Second, time.Millisecond)

	got := make([]complex64, 0, total)
	buf := make([]complex64, 500)
	for {
		n, err := tap.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	require.NoError(t, <-producerErr)
	require.Len(t, got, total)
	for i, v := range got {
		if real(v) != float32(i) {
			t.Fatalf("sample %d out of order: got %v", i, v)
		}
	}
	assert.GreaterOrEqual(t, s.Stats().Stalls, uint64(1))
}

func TestCloseWakesBlockedReader(t *testing.T) {
	s := New[float32](Config{Capacity: 16})
	tap := s.Tap("r")

	done := make(chan error, 1)
	go func() {
		_, err := tap.Read(make([]float32, 4))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by Close")
	}
}

func TestCloseWakesBlockedWriter(t *testing.T) {
	s := New[float32](Config{Capacity: 4})
	s.Tap("slow")
	require.NoError(t, s.Write(make([]float32, 4)))

	done := make(chan error, 1)
	go func() { done <- s.Write(make([]float32, 1)) }()
	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("writer was not woken by Close")
	}
}

func TestReadDrainsAfterClose(t *testing.T) {
	s := New[int](Config{Capacity: 8})
	tap := s.Tap("r")
	require.NoError(t, s.Write([]int{1, 2, 3}))
	s.Close()

	buf := make([]int, 8)
	n, err := tap.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, buf[:n])

	_, err = tap.Read(buf)
	assert.Equal(t, io.EOF, err)
	assert.ErrorIs(t, s.Write([]int{4}), ErrClosed)
}

func TestInactiveTapDoesNotThrottle(t *testing.T) {
	s := New[int](Config{Capacity: 4})
	active := s.Tap("main")
	idle := s.Tap("fft")
	idle.SetActive(false)

	buf := make([]int, 4)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Write([]int{i, i, i, i}))
		n, err := active.Read(buf)
		require.NoError(t, err)
		require.Equal(t, 4, n)
	}
	assert.Zero(t, idle.Pending())

	idle.SetActive(true)
	require.NoError(t, s.Write([]int{7}))
	n, err := idle.ReadSome(buf)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, buf[:n])
	s.Close()
}

func TestFirstTapReceivesRetainedData(t *testing.T) {
	s := New[int](Config{Capacity: 8})
	require.NoError(t, s.Write([]int{1, 2}))

	first := s.Tap("first")
	second := s.Tap("second")
	require.NoError(t, s.Write([]int{3}))

	assert.Equal(t, 3, first.Pending())
	assert.Equal(t, 1, second.Pending())
	s.Close()
}

func TestTapCloseReleasesProducer(t *testing.T) {
	s := New[int](Config{Capacity: 2})
	fast := s.Tap("fast")
	slow := s.Tap("slow")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]int, 1)
		for {
			if _, err := fast.ReadSome(buf); err != nil {
				return
			}
		}
	}()

	require.NoError(t, s.Write([]int{1, 2}))
	written := make(chan error, 1)
	go func() { written <- s.Write([]int{3, 4, 5}) }()

	time.Sleep(10 * time.Millisecond)
	slow.Close()
	require.NoError(t, <-written)

	s.Close()
	wg.Wait()
}

func TestReserveCommitContiguousRegion(t *testing.T) {
	s := New[int](Config{Capacity: 4})
	tap := s.Tap("r")

	region, err := s.ReserveWrite(3)
	require.NoError(t, err)
	require.Len(t, region, 3)
	copy(region, []int{1, 2, 3})
	require.NoError(t, s.CommitWrite(3))

	buf := make([]int, 2)
	_, err = tap.Read(buf)
	require.NoError(t, err)

	// Only one slot left before the wrap point.
	region, err = s.ReserveWrite(3)
	require.NoError(t, err)
	assert.Len(t, region, 1)
	assert.ErrorIs(t, s.CommitWrite(2), ErrCommitTooLarge)
	s.Close()
}

func TestStreamPreservesArbitraryWrites(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(rt, "capacity")
		chunks := rapid.SliceOfN(rapid.IntRange(1, 200), 1, 20).Draw(rt, "chunks")
		readSize := rapid.IntRange(1, 100).Draw(rt, "readSize")

		s := New[int](Config{Capacity: capacity})
		tap := s.Tap("r")

		go func() {
			next := 0
			for _, c := range chunks {
				data := make([]int, c)
				for i := range data {
					data[i] = next
					next++
				}
				if err := s.Write(data); err != nil {
					return
				}
			}
			s.Close()
		}()

		expected := 0
		buf := make([]int, readSize)
		for {
			n, err := tap.ReadSome(buf)
			for _, v := range buf[:n] {
				if v != expected {
					rt.Fatalf("got %d, want %d", v, expected)
				}
				expected++
			}
			if err == io.EOF {
				break
			}
		}
		total := 0
		for _, c := range chunks {
			total += c
		}
		if expected != total {
			rt.Fatalf("read %d samples, wrote %d", expected, total)
		}
	})
}

func TestReadLargerThanCapacity(t *testing.T) {
	const total = 64
	s := New[int](Config{Capacity: 16})
	tap := s.Tap("wide")

	go func() {
		chunk := make([]int, 8)
		for sent := 0; sent < total; sent += len(chunk) {
			for i := range chunk {
				chunk[i] = sent + i
			}
			if err := s.Write(chunk); err != nil {
				return
			}
		}
		s.Close()
	}()

	buf := make([]int, 4*total)
	var got []int
	for {
		n, err := tap.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.LessOrEqual(t, n, s.Cap())
	}
	require.Len(t, got, total)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}
