package agent

import (
	"math"
	"sync"
	"time"

	"github.com/noiacore/noiacore/pkg/vad"
)

// Echo-suppression tuning, adapted from the donor orchestrator package's
// EchoSuppressor (pkg/orchestrator/echo_suppression.go) onto the realtime
// capture loop's 16kHz float32 VAD window instead of raw 44.1kHz PCM16
// bytes: same correlation-based detection, different sample domain.
const (
	echoMaxBufferSamples = vadSampleRate * 2 // ~2s of played-audio reference
	echoThreshold        = 0.55
	echoSilenceWindow    = 1200 * time.Millisecond
	echoEnvelopeDecim    = 8
)

// echoSuppressor detects when a VAD window is primarily speaker bleed
// (the model's own TTS output re-entering the microphone) rather than real
// user speech, so the capture loop can ignore it while the model is
// speaking, where it would otherwise count toward barge-in. The capture loop
// does not consult it once the model has stopped speaking, so it has no
// effect on start-of-speech counting. It is an optional pre-filter: when
// disabled it reports no echo ever, and processFrame behaves exactly as
// before it existed.
type echoSuppressor struct {
	mu           sync.Mutex
	enabled      bool
	played       []float32
	lastPlayedAt time.Time
}

func newEchoSuppressor(enabled bool) *echoSuppressor {
	return &echoSuppressor{enabled: enabled}
}

// recordPlayed appends samples actually written to the speaker to the
// rolling reference buffer, trimming it to echoMaxBufferSamples.
func (e *echoSuppressor) recordPlayed(samples []float32) {
	if !e.enabled || len(samples) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.played = append(e.played, samples...)
	e.lastPlayedAt = time.Now()
	if over := len(e.played) - echoMaxBufferSamples; over > 0 {
		e.played = e.played[over:]
	}
}

// reset clears the reference buffer, called on barge-in (the buffer no
// longer reflects what is actually still playing).
func (e *echoSuppressor) reset() {
	e.mu.Lock()
	e.played = nil
	e.mu.Unlock()
}

// isEcho reports whether window correlates highly with recently played
// audio. No playback within echoSilenceWindow means no echo is possible.
func (e *echoSuppressor) isEcho(window []float32) bool {
	if !e.enabled || len(window) == 0 {
		return false
	}

	e.mu.Lock()
	if time.Since(e.lastPlayedAt) > echoSilenceWindow {
		e.mu.Unlock()
		return false
	}
	ref := make([]float32, len(e.played))
	copy(ref, e.played)
	e.mu.Unlock()

	if len(ref) == 0 {
		return false
	}

	if correlation(window, ref) > echoThreshold {
		return true
	}
	return envelopeCorrelation(window, ref, echoEnvelopeDecim) > echoThreshold+0.05
}

// correlation computes the normalized cross-correlation between input and
// the trailing len(input) samples of reference (accounting for playback-to-
// mic latency by comparing against the most recent reference samples).
func correlation(input, reference []float32) float64 {
	compareLen := len(input)
	if compareLen > len(reference) {
		compareLen = len(reference)
	}
	if compareLen == 0 {
		return 0
	}
	in := input[len(input)-compareLen:]
	ref := reference[len(reference)-compareLen:]

	inEnergy := energy(in)
	refEnergy := energy(ref)
	if inEnergy == 0 || refEnergy == 0 {
		return 0
	}

	dot := 0.0
	for i := range in {
		dot += float64(in[i]) * float64(ref[i])
	}

	corr := dot / math.Sqrt(inEnergy*refEnergy)
	if corr < 0 {
		return 0
	}
	if corr > 1 {
		return 1
	}
	return corr
}

func energy(samples []float32) float64 {
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return sum
}

// envelopeCorrelation compares the decimated absolute-value envelopes of
// input and reference, catching phase-shifted high-frequency content (e.g.
// "s" sounds) plain sample correlation misses.
func envelopeCorrelation(input, reference []float32, decimation int) float64 {
	inEnv := envelope(input, decimation)
	refEnv := envelope(reference, decimation)

	compareLen := len(inEnv)
	if compareLen > len(refEnv) {
		compareLen = len(refEnv)
	}
	if compareLen == 0 {
		return 0
	}
	inEnv = inEnv[:compareLen]
	refEnv = refEnv[len(refEnv)-compareLen:]

	inMean, refMean := mean(inEnv), mean(refEnv)

	dot, inVar, refVar := 0.0, 0.0, 0.0
	for i := range inEnv {
		a := inEnv[i] - inMean
		b := refEnv[i] - refMean
		dot += a * b
		inVar += a * a
		refVar += b * b
	}
	if inVar <= 0 || refVar <= 0 {
		return 0
	}
	return dot / math.Sqrt(inVar*refVar)
}

func envelope(samples []float32, decimation int) []float64 {
	out := make([]float64, len(samples)/decimation)
	for i := range out {
		sum := 0.0
		for j := 0; j < decimation; j++ {
			sum += math.Abs(float64(samples[i*decimation+j]))
		}
		out[i] = sum
	}
	return out
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// bytesToInt16 decodes 16-bit little-endian PCM, the inverse of
// samplesToBytes.
func bytesToInt16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return out
}

// recordPlayedAudio converts pcm (uplinkSampleRate PCM16 bytes, as written
// to the speaker) down to the VAD's sample domain and feeds it to the echo
// suppressor's reference buffer.
func (a *Agent) recordPlayedAudio(pcm []byte) {
	resampler := a.getEchoResampler()
	if resampler == nil || len(pcm) == 0 {
		return
	}
	downsampled := resampler.Process(bytesToInt16(pcm))
	a.echo.recordPlayed(vad.PCM16ToFloat32(downsampled))
}
