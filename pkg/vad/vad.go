// Package vad implements the streaming voice-activity detector: a
// fixed-window ONNX Runtime session that turns raw PCM frames into a
// per-frame speech probability, carrying its own recurrent state across
// calls. Grounded on nupi-ai-plugin-vad-local-silero's SileroEngine
// (internal/engine/silero.go), adapted from a build-tagged plugin binary
// into a plain library type that takes its model path and sample rate from
// configuration instead of an embedded file.
package vad

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/noiacore/noiacore/pkg/rterrors"
)

// stateSize is the hidden-state dimension of the recurrent layer, matching
// Silero VAD v5's combined state tensor shape [2, 1, 128].
const stateSize = 128

// supportedRates maps the two sample rates the detector accepts to their
// window length (spec §4.3: "fixed frame length (256 samples @ 8kHz, or 512
// samples @ 16kHz)").
var supportedRates = map[uint32]int{
	8000:  256,
	16000: 512,
}

var (
	initOnce sync.Once
	initErr  error
)

// Detector runs streaming VAD inference on fixed-size PCM frames.
type Detector struct {
	session *ort.AdvancedSession

	inputTensor  *ort.Tensor[float32]
	stateTensor  *ort.Tensor[float32]
	srTensor     *ort.Tensor[int64]
	outputTensor *ort.Tensor[float32]
	stateNTensor *ort.Tensor[float32]

	windowSize int
	sampleRate uint32
	threshold  float64

	mu sync.Mutex
}

// Config selects the model file, sample rate, and trigger threshold for a
// Detector.
type Config struct {
	ModelPath  string
	SampleRate uint32
	Threshold  float64
	LibPath    string // path to the ONNX Runtime shared library
}

// New loads modelPath into a fresh ONNX Runtime session. An unsupported
// SampleRate is a configuration error (spec §4.3 edge case), not a
// transient one — it can never succeed without a different config.
func New(cfg Config) (*Detector, error) {
	windowSize, ok := supportedRates[cfg.SampleRate]
	if !ok {
		return nil, fmt.Errorf("vad: unsupported sample rate %d: %w", cfg.SampleRate, rterrors.ErrConfigurationError)
	}

	initOnce.Do(func() {
		if cfg.LibPath != "" {
			ort.SetSharedLibraryPath(cfg.LibPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("vad: initialize onnxruntime: %w", initErr)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(windowSize)))
	if err != nil {
		return nil, fmt.Errorf("vad: create input tensor: %w", err)
	}
	stateTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, stateSize))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("vad: create state tensor: %w", err)
	}
	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(cfg.SampleRate)})
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		return nil, fmt.Errorf("vad: create sr tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		return nil, fmt.Errorf("vad: create output tensor: %w", err)
	}
	stateNTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, stateSize))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("vad: create stateN tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{inputTensor, stateTensor, srTensor},
		[]ort.Value{outputTensor, stateNTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		stateNTensor.Destroy()
		return nil, fmt.Errorf("vad: create session: %w", err)
	}

	return &Detector{
		session:      session,
		inputTensor:  inputTensor,
		stateTensor:  stateTensor,
		srTensor:     srTensor,
		outputTensor: outputTensor,
		stateNTensor: stateNTensor,
		windowSize:   windowSize,
		sampleRate:   cfg.SampleRate,
		threshold:    cfg.Threshold,
	}, nil
}

// WindowSize returns the fixed number of samples Process expects per call.
func (d *Detector) WindowSize() int {
	return d.windowSize
}

// Process runs one inference over exactly WindowSize float32 samples in
// [-1, 1] and returns the speech probability along with whether it clears
// the configured threshold.
func (d *Detector) Process(window []float32) (prob float64, isSpeech bool, err error) {
	if len(window) != d.windowSize {
		return 0, false, fmt.Errorf("vad: expected %d samples, got %d", d.windowSize, len(window))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.inputTensor.GetData(), window)
	if err := d.session.Run(); err != nil {
		return 0, false, fmt.Errorf("vad: inference: %w", err)
	}
	p := float64(d.outputTensor.GetData()[0])
	copy(d.stateTensor.GetData(), d.stateNTensor.GetData())

	return p, p >= d.threshold, nil
}

// SetThreshold updates the speech-probability trigger level.
func (d *Detector) SetThreshold(threshold float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = threshold
}

// Reset clears the recurrent hidden state (spec §4.3: "reset() clearing any
// recurrent state"), used when a detector is handed a stream that does not
// continue from the previous one (e.g. after barge-in).
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	zero(d.stateTensor.GetData())
}

// Close releases the ONNX Runtime session and its tensors. Safe to call
// more than once.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
		d.inputTensor = nil
	}
	if d.stateTensor != nil {
		d.stateTensor.Destroy()
		d.stateTensor = nil
	}
	if d.srTensor != nil {
		d.srTensor.Destroy()
		d.srTensor = nil
	}
	if d.outputTensor != nil {
		d.outputTensor.Destroy()
		d.outputTensor = nil
	}
	if d.stateNTensor != nil {
		d.stateNTensor.Destroy()
		d.stateNTensor = nil
	}
}

// PCM16ToFloat32 converts s16le PCM samples to float32 in [-1, 1], the
// shape every Detector.Process call expects.
func PCM16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

func zero(s []float32) {
	for i := range s {
		s[i] = 0
	}
}
