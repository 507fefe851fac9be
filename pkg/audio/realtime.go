// Package audio provides the realtime core's microphone capture, speaker
// playback, and resampling primitives.
package audio

import (
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/noiacore/noiacore/pkg/rterrors"
)

// FrameSamples is the fixed frame length delivered by Microphone for the
// realtime path (spec §4.2, §6: "capture frame = 512 samples").
const FrameSamples = 512

// Frame is one fixed-size PCM16 mono capture frame.
type Frame struct {
	Samples []int16
}

// Microphone opens the default capture device and delivers fixed-size PCM16
// mono frames. Grounded on the donor's cmd/agent/main.go malgo.Duplex device
// wiring, narrowed to capture-only and framed to a fixed sample count instead
// of whatever frameCount the backend callback happens to deliver.
type Microphone struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	pending []int16
	frames  chan Frame

	sampleRate uint32
	closeOnce  sync.Once
	closed     chan struct{}
}

// NewMicrophone opens the default capture device at sampleRate (Hz), mono,
// 16-bit. Returned frames are always exactly FrameSamples long regardless of
// the backend's native callback size.
func NewMicrophone(sampleRate uint32) (*Microphone, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, rterrors.ErrDeviceError
	}

	m := &Microphone{
		mctx:       mctx,
		frames:     make(chan Frame, 32),
		sampleRate: sampleRate,
		closed:     make(chan struct{}),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: m.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return nil, rterrors.ErrDeviceError
	}
	m.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return nil, rterrors.ErrDeviceError
	}

	return m, nil
}

// SampleRate returns the microphone's native capture rate.
func (m *Microphone) SampleRate() uint32 {
	return m.sampleRate
}

func (m *Microphone) onSamples(_, pInput []byte, _ uint32) {
	if len(pInput) == 0 {
		return
	}

	m.mu.Lock()
	for i := 0; i+1 < len(pInput); i += 2 {
		sample := int16(pInput[i]) | int16(pInput[i+1])<<8
		m.pending = append(m.pending, sample)
	}

	for len(m.pending) >= FrameSamples {
		samples := make([]int16, FrameSamples)
		copy(samples, m.pending[:FrameSamples])
		m.pending = m.pending[FrameSamples:]

		select {
		case m.frames <- Frame{Samples: samples}:
		default:
			// Backpressure: drop the oldest queued frame rather than block
			// the audio callback, which must never stall.
			select {
			case <-m.frames:
			default:
			}
			select {
			case m.frames <- Frame{Samples: samples}:
			default:
			}
		}
	}
	m.mu.Unlock()
}

// Frames returns the channel of fixed-length capture frames. The channel is
// closed when Close is called.
func (m *Microphone) Frames() <-chan Frame {
	return m.frames
}

// Close stops capture and releases the device. Safe to call more than once.
func (m *Microphone) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.device != nil {
			m.device.Uninit()
		}
		if m.mctx != nil {
			m.mctx.Uninit()
		}
		close(m.frames)
	})
}

// ringSeconds is the Speaker's default bounded ring size (spec §4.2: "~S
// seconds (default 60)").
const ringSeconds = 60

// MeterPeriod is the peak-meter sampling period (spec §6: "meter period =
// 100 ms").
const MeterPeriod = 100 * time.Millisecond

// Speaker accepts PCM16 mono audio at a configured rate, buffers it in a
// bounded ring, and plays it back through malgo. Grounded on the donor's
// cmd/agent/main.go playbackBytes/playbackMu pattern, generalized into its
// own type with clear(), flushAsync(), and a peak-meter callback gated on
// ring non-emptiness (haivivi pcm.Mixer's "if peak == 0 emit silence"
// idiom, simplified to a single track).
type Speaker struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	sampleRate int
	maxBytes   int

	mu            sync.Mutex
	ring          []byte
	playedSamples int64

	meterMu       sync.Mutex
	meterCallback func(level int)
	meterStop     chan struct{}

	closeOnce sync.Once
}

// NewSpeaker opens the default playback device at sampleRate (Hz), mono,
// 16-bit, with a ring sized to ringSeconds of audio.
func NewSpeaker(sampleRate int) (*Speaker, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, rterrors.ErrDeviceError
	}

	s := &Speaker{
		mctx:       mctx,
		sampleRate: sampleRate,
		maxBytes:   sampleRate * 2 * ringSeconds,
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return nil, rterrors.ErrDeviceError
	}
	s.device = device

	return s, nil
}

// Start begins playback.
func (s *Speaker) Start() error {
	if err := s.device.Start(); err != nil {
		return rterrors.ErrDeviceError
	}
	return nil
}

func (s *Speaker) onSamples(pOutput, _ []byte, _ uint32) {
	if len(pOutput) == 0 {
		return
	}
	s.mu.Lock()
	n := copy(pOutput, s.ring)
	s.ring = s.ring[n:]
	s.playedSamples += int64(n / 2)
	s.mu.Unlock()

	for i := n; i < len(pOutput); i++ {
		pOutput[i] = 0
	}
}

// Write enqueues PCM16 bytes into the ring, dropping the oldest bytes if the
// ring would exceed its bound.
func (s *Speaker) Write(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	s.ring = append(s.ring, pcm...)
	if over := len(s.ring) - s.maxBytes; over > 0 {
		s.ring = s.ring[over:]
	}
	s.mu.Unlock()
}

// Clear drops all buffered audio immediately (used on barge-in).
func (s *Speaker) Clear() {
	s.mu.Lock()
	s.ring = nil
	s.mu.Unlock()
}

// FlushAsync blocks until the ring has fully drained or done is closed,
// whichever comes first. A nil done waits for the drain alone.
func (s *Speaker) FlushAsync(done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		empty := len(s.ring) == 0
		s.mu.Unlock()
		if empty {
			return
		}
		select {
		case <-ticker.C:
		case <-done:
			return
		}
	}
}

// GetEstimatedPlayedMilliseconds returns how many milliseconds of audio the
// speaker has actually emitted since the speaker was created. Used by
// barge-in truncation (spec §4.8) to tell the server how much of an
// interrupted response the user actually heard.
func (s *Speaker) GetEstimatedPlayedMilliseconds() int64 {
	s.mu.Lock()
	played := s.playedSamples
	s.mu.Unlock()
	return played * 1000 / int64(s.sampleRate)
}

// OnMeter registers a callback invoked roughly every MeterPeriod with a
// 0-255 level derived from the post-mix peak, but only while the ring is
// non-empty — silence produces no meter events (spec §4.2). Passing nil
// clears the callback and stops the sampling goroutine.
func (s *Speaker) OnMeter(callback func(level int)) {
	s.meterMu.Lock()
	if s.meterStop != nil {
		close(s.meterStop)
		s.meterStop = nil
	}
	s.meterCallback = callback
	if callback == nil {
		s.meterMu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.meterStop = stop
	s.meterMu.Unlock()

	go s.runMeter(stop, callback)
}

func (s *Speaker) runMeter(stop chan struct{}, callback func(level int)) {
	ticker := time.NewTicker(MeterPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			ring := s.ring
			s.mu.Unlock()
			if len(ring) == 0 {
				continue
			}
			level := peakToByte(peakOf(ring))
			callback(level)
		}
	}
}

func peakOf(pcm []byte) float64 {
	var peak float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		var f float64
		if sample >= 0 {
			f = float64(sample) / 32767.0
		} else {
			f = float64(sample) / 32768.0
		}
		if f < 0 {
			f = -f
		}
		if f > peak {
			peak = f
		}
	}
	return peak
}

// peakToByte converts a linear peak amplitude in [0,1] to a 0-255 byte,
// mapping dB over the range [-60 dB, 0 dB] (spec §4.2).
func peakToByte(peak float64) int {
	const minDB = -60.0
	if peak <= 0 {
		return 0
	}
	db := 20 * math.Log10(peak)
	if db < minDB {
		db = minDB
	}
	if db > 0 {
		db = 0
	}
	normalized := (db - minDB) / (-minDB)
	level := int(normalized * 255)
	if level < 0 {
		level = 0
	}
	if level > 255 {
		level = 255
	}
	return level
}

// Stop halts playback without releasing the device.
func (s *Speaker) Stop() error {
	if err := s.device.Stop(); err != nil {
		return rterrors.ErrDeviceError
	}
	return nil
}

// Close stops playback and releases the device. Safe to call more than once.
func (s *Speaker) Close() {
	s.closeOnce.Do(func() {
		s.OnMeter(nil)
		if s.device != nil {
			s.device.Uninit()
		}
		if s.mctx != nil {
			s.mctx.Uninit()
		}
	})
}

// Resampler performs nearest-neighbour sample-rate conversion. Nearest-
// neighbour is intentional: it is cheap and phase accuracy is irrelevant
// both for VAD feed and for the short uplink frames this core resamples
// (spec §4.2).
type Resampler struct {
	fromRate int
	toRate   int
}

// NewResampler builds a Resampler converting fromRate to toRate.
func NewResampler(fromRate, toRate int) *Resampler {
	return &Resampler{fromRate: fromRate, toRate: toRate}
}

// Process resamples in (PCM16 mono) to the target rate via nearest-neighbour
// selection. A pass-through rate returns in unmodified (no copy).
func (r *Resampler) Process(in []int16) []int16 {
	if r.fromRate == r.toRate {
		return in
	}
	outLen := len(in) * r.toRate / r.fromRate
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	for i := range out {
		srcIdx := i * r.fromRate / r.toRate
		if srcIdx >= len(in) {
			srcIdx = len(in) - 1
		}
		out[i] = in[srcIdx]
	}
	return out
}
