package wake

import (
	"context"
	"testing"
	"time"

	"github.com/noiacore/noiacore/pkg/audio"
)

type fakeEngine struct {
	windowSize int
	fireAfter  int // fire on the fireAfter'th Process call (0-based), -1 never
	calls      int
	resets     int
}

func (f *fakeEngine) WindowSize() int { return f.windowSize }

func (f *fakeEngine) Process(frame []float32) (int, error) {
	idx := -1
	if f.fireAfter >= 0 && f.calls == f.fireAfter {
		idx = 0
	}
	f.calls++
	return idx, nil
}

func (f *fakeEngine) ModelID(i int) string {
	if i == 0 {
		return "hey-there"
	}
	return ""
}

func (f *fakeEngine) Reset() { f.resets++ }

type fakeMic struct {
	ch chan audio.Frame
}

func newFakeMic() *fakeMic {
	return &fakeMic{ch: make(chan audio.Frame, 256)}
}

func (m *fakeMic) Frames() <-chan audio.Frame { return m.ch }

func (m *fakeMic) push(amplitude int16) {
	m.ch <- audio.Frame{Samples: []int16{amplitude}}
}

func TestWaitForWakeWordGateDisabledFeedsEveryFrameImmediately(t *testing.T) {
	eng := &fakeEngine{windowSize: 4, fireAfter: 0}
	s := &Stage{engine: eng, silenceAmplitude: 0, preWarmSilentFrames: 0}
	mic := newFakeMic()
	mic.push(100)

	id, err := s.WaitForWakeWord(context.Background(), mic)
	if err != nil {
		t.Fatalf("WaitForWakeWord: %v", err)
	}
	if id != "hey-there" {
		t.Fatalf("id = %q, want hey-there", id)
	}
}

func TestWaitForWakeWordCancellationReturnsEmpty(t *testing.T) {
	eng := &fakeEngine{windowSize: 4, fireAfter: -1}
	s := &Stage{engine: eng, silenceAmplitude: 0, preWarmSilentFrames: 0}
	mic := newFakeMic()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id, err := s.WaitForWakeWord(ctx, mic)
	if err != nil {
		t.Fatalf("WaitForWakeWord: %v", err)
	}
	if id != "" {
		t.Fatalf("id = %q, want empty on cancellation", id)
	}
}

func TestWaitForWakeWordNoiseGateRequiresActivationRun(t *testing.T) {
	eng := &fakeEngine{windowSize: 4, fireAfter: 0}
	s := &Stage{engine: eng, silenceAmplitude: 500, preWarmSilentFrames: 0}
	mic := newFakeMic()

	for range NoiseActivationFrameCount - 1 {
		mic.push(1000)
	}
	mic.push(10) // back below threshold resets the noise run
	for range NoiseActivationFrameCount - 1 {
		mic.push(1000)
	}
	mic.push(1000) // completes the activation run

	done := make(chan struct{})
	var id string
	var err error
	go func() {
		id, err = s.WaitForWakeWord(context.Background(), mic)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for wake word")
	}
	if err != nil {
		t.Fatalf("WaitForWakeWord: %v", err)
	}
	if id != "hey-there" {
		t.Fatalf("id = %q, want hey-there", id)
	}
}

func TestWaitForWakeWordSilenceReturnsToIdle(t *testing.T) {
	eng := &fakeEngine{windowSize: 4, fireAfter: -1}
	s := &Stage{engine: eng, silenceAmplitude: 500, preWarmSilentFrames: 0}
	mic := newFakeMic()

	for range NoiseActivationFrameCount {
		mic.push(1000) // activate
	}
	for range MinSilenceFrames {
		mic.push(0) // silence while active
	}

	done := make(chan struct{})
	go func() {
		s.WaitForWakeWord(context.Background(), mic)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if eng.resets == 0 {
		t.Fatal("expected engine.Reset to be called after MinSilenceFrames of silence")
	}
}
