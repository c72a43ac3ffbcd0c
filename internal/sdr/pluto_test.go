package sdr

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/satstream/internal/config"
	"github.com/rjboer/satstream/internal/iiod/iiodtest"
)

func startIIOD(t *testing.T) *iiodtest.Server {
	t.Helper()
	srv, err := iiodtest.NewServer()
	if err != nil {
		t.Fatalf("start iiod: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func TestPlutoConfiguresAndStreams(t *testing.T) {
	srv := startIIOD(t)
	src := NewPluto(srv.Addr(), testStreams, nil)
	if err := src.SetSamplerate(2.4e6); err != nil {
		t.Fatal(err)
	}
	if err := src.SetFrequency(433.92e6); err != nil {
		t.Fatal(err)
	}
	if err := src.SetSettings(config.Params{SettingGain: 32.5, SettingChunk: 1024}); err != nil {
		t.Fatal(err)
	}
	if err := src.Start(); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen before Open, got %v", err)
	}
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	want := map[string]string{
		"INPUT/voltage0/sampling_frequency": "2400000",
		"INPUT/voltage0/rf_bandwidth":       "2400000",
		"INPUT/voltage0/gain_control_mode":  "manual",
		"INPUT/voltage0/hardwaregain":       "32.5",
		"OUTPUT/altvoltage0/frequency":      "433920000",
	}
	for key, v := range want {
		parts := strings.Split(key, "/")
		if got, ok := srv.Attr("ad9361-phy", parts[0], parts[1], parts[2]); !ok || got != v {
			t.Fatalf("%s: got %q (set=%v), want %q", key, got, ok, v)
		}
	}

	tap := src.Output().Tap("test")
	if err := src.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	buf := make([]complex64, 4096)
	if _, err := tap.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[100] != complex(0.5, -0.5) {
		t.Fatalf("unexpected sample %v", buf[100])
	}

	done := make(chan error, 1)
	go func() { done <- src.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not interrupt the read loop")
	}
	if !src.Output().Closed() {
		t.Fatal("output should be closed after stop")
	}
	if src.Samples() < 4096 {
		t.Fatalf("expected at least 4096 samples, got %d", src.Samples())
	}
}

func TestPlutoAutomaticGainSkipsHardwareGain(t *testing.T) {
	srv := startIIOD(t)
	src := NewPluto("", testStreams, nil)
	if err := src.SetSettings(config.Params{SettingURI: srv.Addr(), SettingGainMode: "fast_attack"}); err != nil {
		t.Fatal(err)
	}
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Stop()
	if v, _ := srv.Attr("ad9361-phy", "INPUT", "voltage0", "gain_control_mode"); v != "fast_attack" {
		t.Fatalf("unexpected gain mode %q", v)
	}
	if _, ok := srv.Attr("ad9361-phy", "INPUT", "voltage0", "hardwaregain"); ok {
		t.Fatal("hardwaregain must not be written in automatic mode")
	}
	if _, ok := srv.Attr("ad9361-phy", "OUTPUT", "altvoltage0", "frequency"); ok {
		t.Fatal("LO must not be written before a frequency is set")
	}
}

func TestPlutoRejectsBadSettings(t *testing.T) {
	src := NewPluto("", testStreams, nil)
	if err := src.SetSettings(config.Params{SettingGainMode: "turbo"}); !errors.Is(err, config.ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}
	if err := src.SetFrequency(0); !errors.Is(err, config.ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}
}

func TestPlutoOpenFailsWithoutServer(t *testing.T) {
	src := NewPluto("127.0.0.1:1", testStreams, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := OpenWithRetry(ctx, src, time.Second, nil); err == nil {
		t.Fatal("expected open to fail without a server")
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("stop after failed open: %v", err)
	}
}

func TestDecodeIQ16(t *testing.T) {
	raw := []byte{0x00, 0x04, 0x00, 0xfc, 0xff, 0x07, 0x00, 0xf8}
	out := make([]complex64, 2)
	decodeIQ16(out, raw)
	if out[0] != complex(0.5, -0.5) {
		t.Fatalf("unexpected first sample %v", out[0])
	}
	if real(out[1]) != 2047.0/2048 || imag(out[1]) != -1 {
		t.Fatalf("unexpected second sample %v", out[1])
	}
}
