// Package wake implements the wake-word engine (C4) and the two-stage
// noise-gated capture loop that feeds it (C5). The engine reuses the same
// fixed-window ONNX Runtime inference shape as pkg/vad, one independent
// session per model, grounded on
// nupi-ai-plugin-vad-local-silero/internal/engine/silero.go's session
// lifecycle. The noise gate's amplitude-threshold-plus-hysteresis idiom is
// generalized from the donor orchestrator package's RMSVAD
// (pkg/orchestrator/vad.go), trading RMS-over-a-duration for a max-|sample|
// amplitude test with consecutive frame counts; the sliding frame-count
// window belongs to the engine's trigger debounce.
package wake

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const stateSize = 128

// ModelConfig describes one wake-word model the Engine loads.
type ModelConfig struct {
	ID           string
	ModelPath    string
	Threshold    float64
	TriggerLevel int // frames within the sliding window that must clear Threshold
	WindowFrames int // sliding-window length frames are evaluated over
}

// model is one loaded, independently-stateful wake-word detector.
type model struct {
	cfg ModelConfig

	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	stateTensor  *ort.Tensor[float32]
	srTensor     *ort.Tensor[int64]
	outputTensor *ort.Tensor[float32]
	stateNTensor *ort.Tensor[float32]

	hits []bool // ring of per-frame hit/miss over the last WindowFrames frames
	pos  int
	n    int // number of valid entries in hits so far
}

var (
	initOnce sync.Once
	initErr  error
)

// Engine holds N independent wake-word models and evaluates every frame
// against all of them.
type Engine struct {
	mu         sync.Mutex
	models     []*model
	windowSize int // samples per inference call, shared across all models
	sampleRate uint32
}

// New loads every configured model into its own ONNX Runtime session.
// windowSize/sampleRate must match the inference shape every model was
// trained for (spec §4.4: "same inference shape as C3, different
// weights").
func New(libPath string, windowSize int, sampleRate uint32, configs []ModelConfig) (*Engine, error) {
	initOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("wake: initialize onnxruntime: %w", initErr)
	}

	e := &Engine{windowSize: windowSize, sampleRate: sampleRate}
	for _, cfg := range configs {
		m, err := loadModel(cfg, windowSize, sampleRate)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("wake: load model %s: %w", cfg.ID, err)
		}
		e.models = append(e.models, m)
	}
	return e, nil
}

func loadModel(cfg ModelConfig, windowSize int, sampleRate uint32) (*model, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(windowSize)))
	if err != nil {
		return nil, err
	}
	stateTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, stateSize))
	if err != nil {
		inputTensor.Destroy()
		return nil, err
	}
	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(sampleRate)})
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		return nil, err
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		return nil, err
	}
	stateNTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, stateSize))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
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
		return nil, err
	}

	window := cfg.WindowFrames
	if window <= 0 {
		window = 1
	}

	return &model{
		cfg:          cfg,
		session:      session,
		inputTensor:  inputTensor,
		stateTensor:  stateTensor,
		srTensor:     srTensor,
		outputTensor: outputTensor,
		stateNTensor: stateNTensor,
		hits:         make([]bool, window),
	}, nil
}

// Process evaluates frame (windowSize float32 samples in [-1,1]) against
// every model and returns the index of the first model whose sliding-window
// hit count reaches its TriggerLevel, or -1 if none fired. Every model's
// internal state (recurrent state and hit window) advances regardless of
// whether it fires — one model firing never resets another's state (spec
// §4.4).
func (e *Engine) Process(frame []float32) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fired := -1
	for i, m := range e.models {
		hit, err := m.step(frame)
		if err != nil {
			return -1, fmt.Errorf("wake: model %s: %w", m.cfg.ID, err)
		}
		if hit && fired == -1 {
			fired = i
		}
	}
	return fired, nil
}

// WindowSize returns the fixed number of samples Process expects per call.
func (e *Engine) WindowSize() int {
	return e.windowSize
}

// ModelID returns the configured ID for model index i.
func (e *Engine) ModelID(i int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.models) {
		return ""
	}
	return e.models[i].cfg.ID
}

// Reset clears every model's recurrent state and hit window, used when
// re-entering Idle (spec §4.5).
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.models {
		m.reset()
	}
}

// Close releases every loaded model's ONNX Runtime session.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.models {
		m.close()
	}
	e.models = nil
}

func (m *model) step(frame []float32) (bool, error) {
	copy(m.inputTensor.GetData(), frame)
	if err := m.session.Run(); err != nil {
		return false, err
	}
	prob := float64(m.outputTensor.GetData()[0])
	copy(m.stateTensor.GetData(), m.stateNTensor.GetData())

	above := prob >= m.cfg.Threshold
	m.hits[m.pos] = above
	m.pos = (m.pos + 1) % len(m.hits)
	if m.n < len(m.hits) {
		m.n++
	}

	count := 0
	for i := 0; i < m.n; i++ {
		if m.hits[i] {
			count++
		}
	}
	return count >= m.cfg.TriggerLevel, nil
}

func (m *model) reset() {
	for i := range m.hits {
		m.hits[i] = false
	}
	m.pos = 0
	m.n = 0
	zero(m.stateTensor.GetData())
}

func (m *model) close() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.inputTensor != nil {
		m.inputTensor.Destroy()
	}
	if m.stateTensor != nil {
		m.stateTensor.Destroy()
	}
	if m.srTensor != nil {
		m.srTensor.Destroy()
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
	}
	if m.stateNTensor != nil {
		m.stateNTensor.Destroy()
	}
}

func zero(s []float32) {
	for i := range s {
		s[i] = 0
	}
}
