package wake

import (
	"context"

	"github.com/noiacore/noiacore/pkg/audio"
	"github.com/noiacore/noiacore/pkg/bus"
	"github.com/noiacore/noiacore/pkg/rterrors"
)

// Stage constants (spec §4.5), fixed regardless of capture rate.
const (
	PreBufferLength           = 10
	NoiseActivationFrameCount = 5
	MaxSpeechBufferFrames     = 100
	MinSilenceFrames          = 50
)

// Microphone is the narrow capture contract Stage drives. *audio.Microphone
// satisfies it.
type Microphone interface {
	Frames() <-chan audio.Frame
}

// wakeEngine is the narrow contract Stage drives. *Engine satisfies it;
// tests substitute a fake so Stage's gating logic can run without an ONNX
// model file.
type wakeEngine interface {
	Process(frame []float32) (int, error)
	ModelID(i int) string
	Reset()
	WindowSize() int
}

// Stage implements the two-stage noise-gated wake-word capture loop: Idle
// gates on amplitude before ever touching the wake engine; Active feeds
// every frame to it until a hit or a silence timeout sends it back to Idle.
type Stage struct {
	engine              wakeEngine
	bus                 *bus.Bus
	silenceAmplitude    int // 0 disables the noise gate entirely
	preWarmSilentFrames int
}

// NewStage builds a Stage over engine, publishing gate transitions to b.
// silenceAmplitude is the max-|sample| threshold below which a frame counts
// as silent; ≤0 disables the Idle noise gate (every frame reaches the wake
// engine immediately, per spec §4.5).
func NewStage(engine *Engine, b *bus.Bus, silenceAmplitude int) *Stage {
	return &Stage{engine: engine, bus: b, silenceAmplitude: silenceAmplitude, preWarmSilentFrames: 50}
}

// WaitForWakeWord blocks on mic until a wake-word model fires, ctx is
// cancelled, or the capture device fails. Returns ("", nil) on cancellation.
func (s *Stage) WaitForWakeWord(ctx context.Context, mic Microphone) (string, error) {
	defer s.engine.Reset()

	frames := mic.Frames()
	preBuffer := make([]audio.Frame, 0, PreBufferLength)
	noiseRun := 0
	silenceRun := 0
	active := false

	for {
		select {
		case <-ctx.Done():
			return "", nil
		case frame, ok := <-frames:
			if !ok {
				return "", rterrors.ErrDeviceError
			}

			silent := s.silenceAmplitude > 0 && amplitude(frame) < s.silenceAmplitude

			if !active {
				if s.silenceAmplitude <= 0 {
					active = true
				} else {
					preBuffer = pushBounded(preBuffer, frame, PreBufferLength)
					if silent {
						noiseRun = 0
						continue
					}
					noiseRun++
					if noiseRun < NoiseActivationFrameCount {
						continue
					}

					s.publish(bus.NoiseDetected, "")
					speechBuffer := bufferFromPreBuffer(preBuffer, MaxSpeechBufferFrames)
					active = true
					noiseRun = 0
					silenceRun = 0

					for range s.preWarmSilentFrames {
						if _, err := s.engine.Process(silentWindow(s.engine.WindowSize())); err != nil {
							return "", err
						}
					}

					if id, err := s.feedAll(speechBuffer); err != nil {
						return "", err
					} else if id != "" {
						return id, nil
					}
					continue
				}
			}

			id, err := s.feedFrame(frame)
			if err != nil {
				return "", err
			}
			if id != "" {
				return id, nil
			}

			if silent {
				silenceRun++
			} else {
				silenceRun = 0
			}
			if silenceRun >= MinSilenceFrames {
				s.publish(bus.SilenceDetected, "")
				s.engine.Reset()
				active = false
				silenceRun = 0
				noiseRun = 0
				preBuffer = preBuffer[:0]
			}
		}
	}
}

// feedAll runs every buffered frame through the wake engine, stopping early
// if one fires.
func (s *Stage) feedAll(frames []audio.Frame) (string, error) {
	for _, f := range frames {
		id, err := s.feedFrame(f)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}
	return "", nil
}

func (s *Stage) feedFrame(f audio.Frame) (string, error) {
	window := pcmToWindow(f.Samples, s.engine.WindowSize())
	idx, err := s.engine.Process(window)
	if err != nil {
		return "", err
	}
	if idx < 0 {
		return "", nil
	}
	return s.engine.ModelID(idx), nil
}

func (s *Stage) publish(t bus.EventType, wakeWord string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Type: t, WakeWord: wakeWord})
}

func amplitude(f audio.Frame) int {
	max := 0
	for _, sample := range f.Samples {
		v := int(sample)
		if v < 0 {
			v = -v
		}
		if v > max {
			max = v
		}
	}
	return max
}

func pushBounded(ring []audio.Frame, f audio.Frame, limit int) []audio.Frame {
	ring = append(ring, f)
	if over := len(ring) - limit; over > 0 {
		ring = ring[over:]
	}
	return ring
}

func bufferFromPreBuffer(preBuffer []audio.Frame, limit int) []audio.Frame {
	buf := make([]audio.Frame, len(preBuffer))
	copy(buf, preBuffer)
	if over := len(buf) - limit; over > 0 {
		buf = buf[over:]
	}
	return buf
}

func pcmToWindow(samples []int16, windowSize int) []float32 {
	out := make([]float32, windowSize)
	n := len(samples)
	if n > windowSize {
		n = windowSize
	}
	for i := 0; i < n; i++ {
		out[i] = float32(samples[i]) / 32768.0
	}
	return out
}

func silentWindow(windowSize int) []float32 {
	return make([]float32, windowSize)
}
