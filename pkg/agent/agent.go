// Package agent implements the Realtime Agent Core (C8): it owns one
// long-lived remote session per agent configuration and drives two
// cooperating loops — a receive loop that lives as long as the session, and
// an audio-capture loop scoped to a single Run call — sharing the
// mutex-guarded Playback Sync State.
//
// Grounded almost entirely on the donor's pkg/orchestrator/managed_stream.go:
// ManagedStream's mu-guarded field cluster (isSpeaking, userInterrupting) is
// the direct model for the Playback Sync State, which carries no generation
// counter; internalInterrupt's acquire-lock/snapshot/unlock/act-outside-lock
// shape is the model for the barge-in sequence. State updates reach the
// caller through a synchronous OnStateUpdate callback, not a channel send.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/noiacore/noiacore/pkg/audio"
	"github.com/noiacore/noiacore/pkg/realtime"
	"github.com/noiacore/noiacore/pkg/rterrors"
	"github.com/noiacore/noiacore/pkg/rtlog"
	"github.com/noiacore/noiacore/pkg/tools"
)

// Audio-path constants (spec §6).
const (
	vadSampleRate             = 16000
	uplinkSampleRate          = 24000
	SpeakerChunkSize          = 4096
	preBufferFrames           = 15
	minSpeechFrames           = 3
	minSpeechFramesForBargeIn = 2
	silenceMillisecondsToStop = 1600
	responseWaitTimeout       = 30 * time.Second
)

// RunResult is the outcome of one Run call. Both values leave the session
// intact; only Dispose closes it.
type RunResult int

const (
	RunCancelled RunResult = iota
	RunInactivityTimeout
)

func (r RunResult) String() string {
	switch r {
	case RunCancelled:
		return "Cancelled"
	case RunInactivityTimeout:
		return "InactivityTimeout"
	default:
		return "Unknown"
	}
}

// StateKind discriminates the events Run reports back to its caller through
// OnStateUpdate, decoupling the agent core from the bus (C9 translates these
// into bus events).
type StateKind string

const (
	StateReady           StateKind = "Ready"
	StateSpeakingStarted StateKind = "SpeakingStarted"
	StateSpeakingStopped StateKind = "SpeakingStopped"
)

// StateUpdate is one state transition Run reports.
type StateUpdate struct {
	Kind StateKind
}

// OnStateUpdate receives state transitions for the duration of one Run call.
type OnStateUpdate func(StateUpdate)

// OnMeter receives speaker peak-meter samples (0-255) for the duration of
// one Run call.
type OnMeter func(level int)

// Microphone is the narrow capture contract Run drives. *audio.Microphone
// satisfies it.
type Microphone interface {
	Frames() <-chan audio.Frame
	SampleRate() uint32
}

// Speaker is the narrow playback contract Run drives. *audio.Speaker
// satisfies it.
type Speaker interface {
	Start() error
	Write(pcm []byte)
	Clear()
	FlushAsync(done <-chan struct{})
	GetEstimatedPlayedMilliseconds() int64
	OnMeter(callback func(level int))
	Stop() error
}

// VAD is the narrow voice-activity contract Run drives. *vad.Detector
// satisfies it.
type VAD interface {
	Process(window []float32) (prob float64, isSpeech bool, err error)
	WindowSize() int
	Reset()
}

// Config is the per-agent-configuration data Run's session needs (spec §3
// "Agent Configuration").
type Config struct {
	Name               string
	Instructions       string
	Temperature        *float64
	VoiceName          string
	GlobalInstructions string
	APIKey             string
	Model              string

	ConversationInactivityTimeout time.Duration

	// DisableEchoSuppression turns off the correlation-based speaker-bleed
	// filter on the capture loop's VAD input (enabled by default).
	DisableEchoSuppression bool
}

// playbackSync is the spec's Playback Sync State, guarded as one unit.
type playbackSync struct {
	mu                     sync.Mutex
	modelIsSpeaking        bool
	waitingForResponse     bool
	responseRequestedAt    time.Time
	bargeInTriggered       bool
	currentStreamingItemID string
	outputBuf              []byte
}

// Agent owns one long-lived realtime session for a single agent
// configuration. Construct with New; call Run once per conversation.
type Agent struct {
	cfg      Config
	registry *tools.Registry
	logger   rtlog.Logger

	mu        sync.Mutex
	session   *realtime.Session
	createdAt time.Time

	playback playbackSync

	speakerMu sync.Mutex
	speaker   Speaker

	stateCbMu sync.Mutex
	stateCb   OnStateUpdate

	hangupMu sync.Mutex
	hangup   func()

	dial func(ctx context.Context, apiKey, model string) (*realtime.Session, error)

	echo            *echoSuppressor
	echoResamplerMu sync.Mutex
	echoResampler   *audio.Resampler
}

// New builds an Agent for one configuration. registry is the tool set this
// agent's session advertises to the remote model.
func New(cfg Config, registry *tools.Registry, logger rtlog.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		registry: registry,
		logger:   rtlog.Or(logger),
		dial:     realtime.Connect,
		echo:     newEchoSuppressor(!cfg.DisableEchoSuppression),
	}
}

func (a *Agent) setEchoResampler(r *audio.Resampler) {
	a.echoResamplerMu.Lock()
	a.echoResampler = r
	a.echoResamplerMu.Unlock()
}

func (a *Agent) getEchoResampler() *audio.Resampler {
	a.echoResamplerMu.Lock()
	defer a.echoResamplerMu.Unlock()
	return a.echoResampler
}

// CreatedAt reports when the current session was created, or the zero time
// if no session exists.
func (a *Agent) CreatedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.createdAt
}

// RequestStop is wired to the tool registry's SystemPlugin.RequestStop: the
// remote model calling NotifyConversationStopRequested arrives here and is
// forwarded to whichever hangup function the active Run installed.
func (a *Agent) RequestStop() {
	a.hangupMu.Lock()
	fn := a.hangup
	a.hangupMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (a *Agent) setHangup(fn func()) {
	a.hangupMu.Lock()
	a.hangup = fn
	a.hangupMu.Unlock()
}

func (a *Agent) setStateCb(cb OnStateUpdate) {
	a.stateCbMu.Lock()
	a.stateCb = cb
	a.stateCbMu.Unlock()
}

func (a *Agent) notifyState(u StateUpdate) {
	a.stateCbMu.Lock()
	cb := a.stateCb
	a.stateCbMu.Unlock()
	if cb != nil {
		cb(u)
	}
}

func (a *Agent) setSpeaker(s Speaker) {
	a.speakerMu.Lock()
	a.speaker = s
	a.speakerMu.Unlock()
}

func (a *Agent) getSpeaker() Speaker {
	a.speakerMu.Lock()
	defer a.speakerMu.Unlock()
	return a.speaker
}

// Dispose closes the session, if any. Run may be called again afterward;
// ensureSession reconnects lazily.
func (a *Agent) Dispose() {
	a.mu.Lock()
	sess := a.session
	a.session = nil
	a.createdAt = time.Time{}
	a.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// ensureSession connects and configures a session if none exists, or if the
// existing one's receive loop has already terminated (spec §4.8 "Session
// reconnection").
func (a *Agent) ensureSession(ctx context.Context) (*realtime.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil {
		select {
		case <-a.session.Done():
			a.session.Close()
			a.session = nil
		default:
			return a.session, nil
		}
	}

	sess, err := a.dial(ctx, a.cfg.APIKey, a.cfg.Model)
	if err != nil {
		return nil, err
	}

	instructions := strings.TrimSpace(a.cfg.GlobalInstructions + "\n" + a.cfg.Instructions)
	if err := sess.Configure(realtime.ConfigureParams{
		Voice:             a.cfg.VoiceName,
		Instructions:      instructions,
		Temperature:       a.cfg.Temperature,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Tools:             toRealtimeTools(a.registry.ConvertFunctions()),
		ToolChoice:        "auto",
	}); err != nil {
		sess.Close()
		return nil, err
	}

	a.session = sess
	a.createdAt = time.Now()
	go a.receiveLoop(sess)
	return sess, nil
}

func toRealtimeTools(descriptors []tools.ToolDescriptor) []realtime.ToolDescriptor {
	out := make([]realtime.ToolDescriptor, len(descriptors))
	for i, d := range descriptors {
		out[i] = realtime.ToolDescriptor{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

// Run drives one conversation turn-cycle against the agent's session: a
// capture loop reading mic, feeding vadDetector, segmenting utterances, and
// handling barge-in; concurrently (via the session-lifetime receive loop
// started by ensureSession) streaming model audio to speaker. Returns once
// the context is cancelled or the conversation goes inactive.
func (a *Agent) Run(ctx context.Context, mic Microphone, speaker Speaker, vadDetector VAD, onState OnStateUpdate, onMeter OnMeter, requestHangup func()) (RunResult, error) {
	sess, err := a.ensureSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return RunCancelled, nil
		}
		return 0, fmt.Errorf("agent: ensure session: %w", err)
	}

	a.setHangup(requestHangup)
	defer a.setHangup(nil)
	a.setStateCb(onState)
	defer a.setStateCb(nil)

	a.setSpeaker(speaker)
	defer a.setSpeaker(nil)

	if err := speaker.Start(); err != nil {
		return 0, fmt.Errorf("agent: start speaker: %w", err)
	}
	defer speaker.Stop()

	if onMeter != nil {
		speaker.OnMeter(onMeter)
		defer speaker.OnMeter(nil)
	}

	vadResampler := audio.NewResampler(int(mic.SampleRate()), vadSampleRate)
	uplinkResampler := audio.NewResampler(int(mic.SampleRate()), uplinkSampleRate)
	frameDuration := time.Duration(audio.FrameSamples) * time.Second / time.Duration(mic.SampleRate())

	a.setEchoResampler(audio.NewResampler(uplinkSampleRate, vadSampleRate))
	defer a.setEchoResampler(nil)

	cs := &captureState{lastActivityAt: time.Now()}

	a.notifyState(StateUpdate{Kind: StateReady})

	frames := mic.Frames()
	for {
		select {
		case <-ctx.Done():
			return RunCancelled, nil
		case frame, ok := <-frames:
			if !ok {
				return 0, fmt.Errorf("agent: microphone closed: %w", rterrors.ErrDeviceError)
			}
			result, done := a.processFrame(sess, frame, cs, vadDetector, vadResampler, uplinkResampler, speaker, frameDuration)
			if done {
				return result, nil
			}
		}
		time.Sleep(time.Millisecond)
	}
}
