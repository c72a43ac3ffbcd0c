package block

import (
	"io"
	"math"
	"math/cmplx"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rjboer/satstream/internal/dsp"
	"github.com/rjboer/satstream/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testCfg = stream.Config{Capacity: 8192}

// produce writes n ramp samples into s and closes it.
func produce(t *testing.T, s *stream.Stream[complex64], n int) {
	t.Helper()
	go func() {
		buf := make([]complex64, 1000)
		for sent := 0; sent < n; {
			k := min(len(buf), n-sent)
			for i := 0; i < k; i++ {
				buf[i] = complex(float32(sent+i), 0)
			}
			if err := s.Write(buf[:k]); err != nil {
				return
			}
			sent += k
		}
		s.Close()
	}()
}

func drain(tap *stream.Tap[complex64]) []complex64 {
	var out []complex64
	buf := make([]complex64, 4096)
	for {
		n, err := tap.ReadSome(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
	}
}

func TestSplitterDisabledOutputDoesNotAffectMain(t *testing.T) {
	const total = 1_000_000
	src := stream.New[complex64](testCfg)
	sp := NewSplitter("splitter", src.Tap("splitter"), testCfg, nil)
	_, err := sp.AddOutput("fft")
	require.NoError(t, err)
	mainTap := sp.Main().Tap("pipeline")
	require.NoError(t, sp.Start())
	defer sp.Stop()

	produce(t, src, total)
	got := drain(mainTap)

	require.Len(t, got, total)
	for i, v := range got {
		if real(v) != float32(i) {
			t.Fatalf("main sample %d out of order: %v", i, v)
		}
	}
	st := sp.Stats()
	assert.Equal(t, uint64(total), st.Processed)
	assert.False(t, st.Outputs["fft"].Enabled)
	assert.Equal(t, uint64(total), st.Outputs["fft"].Dropped)
	assert.Zero(t, st.Outputs["fft"].Stream.Written)
}

func TestSplitterEnabledOutputReceivesCopy(t *testing.T) {
	src := stream.New[complex64](testCfg)
	sp := NewSplitter("splitter", src.Tap("splitter"), testCfg, nil)
	fft, err := sp.AddOutput("fft")
	require.NoError(t, err)
	require.NoError(t, sp.SetEnabled("fft", true))
	mainTap := sp.Main().Tap("main")
	fftTap := fft.Tap("fft")
	require.NoError(t, sp.Start())

	produce(t, src, 20000)
	var wg sync.WaitGroup
	var fromFFT []complex64
	wg.Add(1)
	go func() {
		defer wg.Done()
		fromFFT = drain(fftTap)
	}()
	fromMain := drain(mainTap)
	wg.Wait()
	sp.Stop()

	assert.Equal(t, fromMain, fromFFT)
	assert.Len(t, fromMain, 20000)
}

func TestSplitterOutputRegistry(t *testing.T) {
	src := stream.New[complex64](testCfg)
	sp := NewSplitter("splitter", src.Tap("splitter"), testCfg, nil)
	_, err := sp.AddOutput("a")
	require.NoError(t, err)
	_, err = sp.AddOutput("a")
	assert.ErrorIs(t, err, ErrDuplicateOutput)
	_, err = sp.AddOutput(MainOutput)
	assert.ErrorIs(t, err, ErrDuplicateOutput)
	assert.ErrorIs(t, sp.SetEnabled("b", true), ErrUnknownOutput)

	out, err := sp.Output("a")
	require.NoError(t, err)
	require.NoError(t, sp.DelOutput("a"))
	assert.True(t, out.Closed())
	assert.ErrorIs(t, sp.DelOutput("a"), ErrUnknownOutput)
	assert.Empty(t, sp.Outputs())
	sp.Stop()
}

func TestSplitterStopIsIdempotent(t *testing.T) {
	src := stream.New[complex64](testCfg)
	sp := NewSplitter("splitter", src.Tap("splitter"), testCfg, nil)
	require.NoError(t, sp.Start())
	assert.ErrorIs(t, sp.Start(), ErrAlreadyStarted)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sp.Stop()
		}()
	}
	wg.Wait()
	sp.Stop()
	assert.False(t, sp.Running())
	assert.Equal(t, Stopped, sp.State())
	assert.True(t, sp.Main().Closed())
	assert.ErrorIs(t, sp.Start(), ErrStopped)
}

func TestVFOSplitterShiftValidation(t *testing.T) {
	const half = 30_000
	src := stream.New[complex64](testCfg)
	vs := NewVFOSplitter("vfo", src.Tap("vfo"), 6e6, testCfg, nil)
	require.NoError(t, vs.Start())
	defer vs.Stop()

	require.NoError(t, vs.AddVFO("A", 1e6, 1e6))
	out, err := vs.VFOOutput("A")
	require.NoError(t, err)
	tap := out.Tap("A")
	require.NoError(t, vs.SetVFOEnabled("A", true))

	// 6 MHz in, 1 MHz out: one output sample per six inputs.
	require.NoError(t, src.Write(make([]complex64, half)))
	require.Eventually(t, func() bool { return tap.Pending() == half/6 }, 5*time.Second, 5*time.Millisecond)
	n, err := tap.Read(make([]complex64, half/6))
	require.NoError(t, err)
	assert.Equal(t, half/6, n)

	assert.ErrorIs(t, vs.AddVFO("B", 1e6, 4e6), ErrShiftOutOfRange)
	assert.ErrorIs(t, vs.AddVFO("A", 1e6, 0), ErrDuplicateVFO)
	require.NoError(t, vs.AddVFO("edge", 1e6, -3e6), "shift equal to half the bandwidth is accepted")

	infos := vs.VFOs()
	require.Len(t, infos, 2)
	assert.Equal(t, "A", infos[0].Name)
	assert.Equal(t, "edge", infos[1].Name)
	_, err = vs.VFOOutput("B")
	assert.ErrorIs(t, err, ErrUnknownVFO)

	// A keeps producing at the same rate after B was rejected.
	require.NoError(t, src.Write(make([]complex64, half)))
	require.Eventually(t, func() bool { return tap.Pending() == half/6 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, half/6, tap.Pending())
	assert.Equal(t, uint64(2*half/6), tap.Consumed()+uint64(tap.Pending()))
}

func TestVFOSplitterRejectsUnreducibleRates(t *testing.T) {
	src := stream.New[complex64](testCfg)
	vs := NewVFOSplitter("vfo", src.Tap("vfo"), 6e6, testCfg, nil)
	require.NoError(t, vs.Start())
	defer vs.Stop()

	// 6e6 -> 999999 reduces to 333333/2000000.
	err := vs.AddVFO("odd", 999_999, 0)
	assert.ErrorIs(t, err, ErrInvalidVFO)
	assert.ErrorIs(t, err, dsp.ErrRatioTooLarge)
	assert.Empty(t, vs.VFOs())

	require.NoError(t, vs.AddVFO("even", 48_000, 0), "6e6/48e3 reduces to 1/125")
}

func TestVFOSplitterMixesChannelToBaseband(t *testing.T) {
	const fs = 1e6
	src := stream.New[complex64](stream.Config{Capacity: 1 << 16})
	vs := NewVFOSplitter("vfo", src.Tap("vfo"), fs, stream.Config{Capacity: 1 << 16}, nil)
	require.NoError(t, vs.Start())
	defer vs.Stop()

	// A channel 100 kHz above the centre needs a -100 kHz shift.
	require.NoError(t, vs.AddVFO("ch", 250e3, -100e3))
	out, err := vs.VFOOutput("ch")
	require.NoError(t, err)
	tap := out.Tap("ch")
	require.NoError(t, vs.SetVFOEnabled("ch", true))

	in := make([]complex64, 40000)
	for i := range in {
		in[i] = complex64(cmplx.Exp(complex(0, 2*math.Pi*100e3*float64(i)/fs)))
	}
	require.NoError(t, src.Write(in))

	got := make([]complex64, 10000)
	n, err := tap.Read(got)
	require.NoError(t, err)
	require.Equal(t, 10000, n)
	for i := 5000; i < n; i++ {
		if math.Abs(cmplx.Abs(complex128(got[i]))-1) > 0.02 {
			t.Fatalf("sample %d magnitude %.4f", i, cmplx.Abs(complex128(got[i])))
		}
		step := cmplx.Phase(complex128(got[i] * complex64(cmplx.Conj(complex128(got[i-1])))))
		if math.Abs(step) > 0.01 {
			t.Fatalf("sample %d still rotating by %.4f rad", i, step)
		}
	}
}

func TestVFOSplitterDelVFOLeavesOthersRunning(t *testing.T) {
	src := stream.New[complex64](testCfg)
	vs := NewVFOSplitter("vfo", src.Tap("vfo"), 2e6, testCfg, nil)
	require.NoError(t, vs.Start())
	defer vs.Stop()

	require.NoError(t, vs.AddVFO("keep", 2e6, 0))
	require.NoError(t, vs.AddVFO("drop", 2e6, 0))
	keepOut, _ := vs.VFOOutput("keep")
	dropOut, _ := vs.VFOOutput("drop")
	keepTap := keepOut.Tap("keep")
	dropOut.Tap("drop")
	require.NoError(t, vs.SetVFOEnabled("keep", true))
	require.NoError(t, vs.SetVFOEnabled("drop", true))

	require.NoError(t, vs.DelVFO("drop"))
	assert.True(t, dropOut.Closed())
	assert.ErrorIs(t, vs.DelVFO("drop"), ErrUnknownVFO)

	require.NoError(t, src.Write(make([]complex64, 1000)))
	n, err := keepTap.Read(make([]complex64, 1000))
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	assert.Len(t, vs.VFOs(), 1)
}

func TestVFOSplitterStopClosesChannelOutputs(t *testing.T) {
	src := stream.New[complex64](testCfg)
	vs := NewVFOSplitter("vfo", src.Tap("vfo"), 2e6, testCfg, nil)
	require.NoError(t, vs.Start())
	require.NoError(t, vs.AddVFO("a", 1e6, 0))
	out, _ := vs.VFOOutput("a")
	tap := out.Tap("a")

	done := make(chan error, 1)
	go func() {
		_, err := tap.ReadSome(make([]complex64, 16))
		done <- err
	}()
	vs.Stop()
	vs.Stop()

	select {
	case err := <-done:
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("consumer was not released by Stop")
	}
	assert.Empty(t, vs.VFOs())
	assert.ErrorIs(t, vs.AddVFO("b", 1e6, 0), ErrStopped)
}

func TestFFTPanFindsTone(t *testing.T) {
	const size = 64
	src := stream.New[complex64](testCfg)
	fp := NewFFTPan("fft", src.Tap("fft"), nil)
	require.NoError(t, fp.SetFFTSettings(size, 0, 30))
	require.NoError(t, fp.Start())
	defer fp.Stop()

	frame := make([]complex64, size)
	for i := range frame {
		frame[i] = complex64(cmplx.Exp(complex(0, 2*math.Pi*8*float64(i)/size)))
	}
	require.NoError(t, src.Write(frame))
	require.Eventually(t, func() bool { return fp.Frames() >= 1 }, time.Second, time.Millisecond)

	bins := fp.Spectrum()
	require.Len(t, bins, size)
	peak := 0
	for i := range bins {
		if bins[i] > bins[peak] {
			peak = i
		}
	}
	assert.Equal(t, size/2+8, peak)
}

func TestFFTPanSkipsBetweenFrames(t *testing.T) {
	src := stream.New[complex64](testCfg)
	fp := NewFFTPan("fft", src.Tap("fft"), nil)
	// 640 samples/s at 10 frames/s: one 16-sample frame every 64 samples.
	require.NoError(t, fp.SetFFTSettings(16, 640, 10))
	require.NoError(t, fp.Start())

	require.NoError(t, src.Write(make([]complex64, 640)))
	src.Close()
	require.Eventually(t, func() bool { return !fp.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(10), fp.Frames())
	fp.Stop()
}

func TestFFTPanFramesLargerThanStream(t *testing.T) {
	const total = 100000
	small := stream.Config{Capacity: 256}
	src := stream.New[complex64](small)
	sp := NewSplitter("splitter", src.Tap("splitter"), small, nil)
	fft, err := sp.AddOutput("fft")
	require.NoError(t, err)
	require.NoError(t, sp.SetEnabled("fft", true))
	mainTap := sp.Main().Tap("main")

	fp := NewFFTPan("fft", fft.Tap("fft"), nil)
	// one 512-sample frame every 33333 samples
	require.NoError(t, fp.SetFFTSettings(512, 1e6, 30))
	require.NoError(t, fp.Start())
	require.NoError(t, sp.Start())

	produce(t, src, total)
	done := make(chan []complex64, 1)
	go func() { done <- drain(mainTap) }()
	select {
	case got := <-done:
		assert.Len(t, got, total)
	case <-time.After(5 * time.Second):
		sp.Stop()
		fp.Stop()
		<-done
		t.Fatal("main output stalled behind the spectrum frames")
	}

	require.Eventually(t, func() bool { return !fp.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(3), fp.Frames())
	sp.Stop()
	fp.Stop()
}

func TestFFTPanAveraging(t *testing.T) {
	fp := NewFFTPan("fft", stream.New[complex64](testCfg).Tap("fft"), nil)
	fp.SetAvgRate(0.5)
	fp.update([]float64{0, 0})
	fp.update([]float64{10, -10})
	assert.Equal(t, []float32{5, -5}, fp.Spectrum())

	fp.SetAvgRate(0)
	fp.update([]float64{1, 2})
	assert.Equal(t, []float32{1, 2}, fp.Spectrum())
	assert.Error(t, fp.SetFFTSettings(0, 1, 1))
	fp.Stop()
}
