package keepalive

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestBuildBurst_SilenceIsAllZero(t *testing.T) {
	pcm := buildBurst(MethodSilence)
	if len(pcm) != sampleRate*2 {
		t.Fatalf("len(pcm) = %d, want %d", len(pcm), sampleRate*2)
	}
	for _, b := range pcm {
		if b != 0 {
			t.Fatal("silence burst contains non-zero bytes")
		}
	}
}

func TestBuildBurst_InfrasoundIsNotSilent(t *testing.T) {
	pcm := buildBurst(MethodInfrasound)
	allZero := true
	for _, b := range pcm {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("infrasound burst is all zero")
	}
}

func TestKeepAlive_StartStop(t *testing.T) {
	var calls int32
	fake := func(ctx context.Context, sinkName, server string, pcm []byte) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	k := New("bluez_sink.test.a2dp_sink", "", MethodSilence, fake)
	k.loopIntervalOverrideForTest(10 * time.Millisecond)

	k.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	k.Stop()

	if atomic.LoadInt32(&calls) == 0 {
		t.Error("expected at least one keep-alive burst to run")
	}
	if k.Running() {
		t.Error("Running() = true after Stop()")
	}
}

func TestKeepAlive_DegradesAfterRepeatedFailures(t *testing.T) {
	var calls int32
	fake := func(ctx context.Context, sinkName, server string, pcm []byte) error {
		atomic.AddInt32(&calls, 1)
		return errAlways
	}
	k := New("bluez_sink.test.a2dp_sink", "", MethodSilence, fake)
	k.loopIntervalOverrideForTest(5 * time.Millisecond)

	k.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	k.Stop()

	if atomic.LoadInt32(&calls) < failuresToDegrade {
		t.Errorf("calls = %d, want at least %d before degrading", calls, failuresToDegrade)
	}
}

var errAlways = &staticError{"burst failed"}

type staticError struct{ msg string }

func (e *staticError) Error() string { return e.msg }
