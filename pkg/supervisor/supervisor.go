// Package supervisor implements the top-level control loop (C9): idle on
// the wake stage, select the matching agent configuration, run it until
// hangup or inactivity, and repeat — publishing every transition onto the
// bus for the device coordinator (C10) to render.
//
// Grounded on the donor cmd/agent/main.go's top-level wiring shape (load
// config, build providers, open devices, block on signals) generalized from
// one hardcoded STT/LLM/TTS pipeline into the spec's wake/select/run loop,
// and on ManagedStream's create-or-reuse-then-dispose-on-staleness idiom for
// GetOrCreateRealtimeAgent.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noiacore/noiacore/pkg/agent"
	"github.com/noiacore/noiacore/pkg/audio"
	"github.com/noiacore/noiacore/pkg/bus"
	"github.com/noiacore/noiacore/pkg/config"
	"github.com/noiacore/noiacore/pkg/rtlog"
	"github.com/noiacore/noiacore/pkg/tools"
	"github.com/noiacore/noiacore/pkg/vad"
	"github.com/noiacore/noiacore/pkg/wake"
)

const (
	errorRecoveryDelay = 5 * time.Second
	uplinkSampleRate   = 24000
)

// cachedAgent pairs a long-lived Agent with the configuration it was built
// from. HandleConfigChanged does not compare configurations: it disposes
// every cached agent.
type cachedAgent struct {
	agent *agent.Agent
	cfg   config.AgentConfig
}

// Supervisor drives the Idle → WaitingForWake → AgentSelected → Running →
// {Cancelled|TimedOut}|Error→Recover loop described in spec §4.9.
type Supervisor struct {
	appCfg *config.AppConfig
	bus    *bus.Bus
	logger rtlog.Logger

	wakeEngine *wake.Engine
	wakeStage  *wake.Stage

	micSampleRate uint32

	hangup *hangupSource

	agents map[string]*cachedAgent
}

// New builds a Supervisor. micSampleRate is the capture device's native
// rate; the agent resamples it to the 16kHz/24kHz rates C3/C7 require. The
// wake stage is not resampled: its frames reach the 16kHz wake engine as
// captured.
func New(appCfg *config.AppConfig, b *bus.Bus, logger rtlog.Logger, micSampleRate uint32) (*Supervisor, error) {
	logger = rtlog.Or(logger)

	engine, err := wake.New(appCfg.OnnxLibraryPath, 512, 16000, appCfg.WakeWordModels)
	if err != nil {
		return nil, fmt.Errorf("supervisor: build wake engine: %w", err)
	}

	return &Supervisor{
		appCfg:        appCfg,
		bus:           b,
		logger:        logger,
		wakeEngine:    engine,
		wakeStage:     wake.NewStage(engine, b, appCfg.WakeWordSilenceAmplitude),
		micSampleRate: micSampleRate,
		hangup:        newHangupSource(),
		agents:        make(map[string]*cachedAgent),
	}, nil
}

// Close releases the wake engine and every cached agent's session.
func (s *Supervisor) Close() {
	for _, c := range s.agents {
		c.agent.Dispose()
	}
	s.wakeEngine.Close()
}

// HandleHangup cancels the current conversation's hangup token, wired to
// bus.HangupInput.
func (s *Supervisor) HandleHangup(bus.Event) {
	s.hangup.Cancel()
}

// HandleConfigChanged disposes every cached agent so the next wake word
// rebuilds against fresh configuration.
func (s *Supervisor) HandleConfigChanged(bus.Event) {
	for name, c := range s.agents {
		c.agent.Dispose()
		delete(s.agents, name)
	}
}

// Run executes the supervisor loop until ctx (process shutdown) is
// cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.bus.Subscribe(bus.HangupInput, s.HandleHangup)
	s.bus.Subscribe(bus.ConfigChanged, s.HandleConfigChanged)

	for ctx.Err() == nil {
		s.bus.Publish(bus.FromSender(bus.SystemOk, s))

		runID := uuid.New().String()
		wakeWord, shutdown, err := s.waitForWake(ctx)
		if shutdown {
			return
		}
		if err != nil {
			s.recoverFromError(fmt.Errorf("wait for wake word: %w", err))
			continue
		}

		s.bus.Publish(bus.Event{Type: bus.WakeWordDetected, WakeWord: wakeWord, Sender: s})

		agentCfg, ok := s.findAgentForWakeWord(wakeWord)
		if !ok {
			s.logger.Error("supervisor: no agent configured for wake word", "wakeWord", wakeWord, "runId", runID)
			continue
		}

		ag, err := s.getOrCreateAgent(agentCfg)
		if err != nil {
			s.recoverFromError(fmt.Errorf("get or create agent %q: %w", agentCfg.Name, err))
			continue
		}

		if err := s.runConversation(ctx, ag, runID); err != nil {
			s.recoverFromError(fmt.Errorf("run conversation: %w", err))
		}

		s.bus.Publish(bus.FromSender(bus.StopListening, s))
	}
}

// recoverFromError is step 10 of the supervisor loop: publish SystemError,
// dispose every cached agent (the failure may have left a session in an
// unknown state), and sleep before the next iteration.
func (s *Supervisor) recoverFromError(err error) {
	s.logger.Error("supervisor: recovering from error", "error", err)
	s.bus.Publish(bus.Event{Type: bus.SystemError, Message: err.Error(), Sender: s})
	s.HandleConfigChanged(bus.Event{})
	time.Sleep(errorRecoveryDelay)
}

// waitForWake blocks until a wake word fires or ctx/hangup is cancelled.
// The second return is true only when ctx itself (process shutdown) ended
// the wait; a hangup-only cancellation instead falls through to a manual
// wake of the first configured agent.
func (s *Supervisor) waitForWake(ctx context.Context) (wakeWord string, shutdown bool, err error) {
	mic, err := audio.NewMicrophone(s.micSampleRate)
	if err != nil {
		return "", false, fmt.Errorf("open microphone: %w", err)
	}
	defer mic.Close()

	waitCtx, cancel := mergeContext(ctx, s.hangup.Token())
	defer cancel()

	word, err := s.wakeStage.WaitForWakeWord(waitCtx, mic)
	if err != nil {
		return "", false, err
	}
	if word != "" {
		return word, false, nil
	}

	if ctx.Err() != nil {
		return "", true, nil
	}

	// Hangup-only cancellation while idle: manual wake of the first
	// configured agent (spec §4.9 step 2).
	if len(s.appCfg.Agents) == 0 {
		return "", false, fmt.Errorf("no agents configured for manual wake")
	}
	return s.appCfg.Agents[0].WakeWordModelID, false, nil
}

func (s *Supervisor) findAgentForWakeWord(wakeWord string) (config.AgentConfig, bool) {
	for _, a := range s.appCfg.Agents {
		if a.WakeWordModelID == wakeWord {
			return a, true
		}
	}
	return config.AgentConfig{}, false
}

// getOrCreateAgent returns the cached Agent for cfg, disposing and
// rebuilding it first if it has aged past SessionTimeoutMinutes (spec §8
// S6).
func (s *Supervisor) getOrCreateAgent(cfg config.AgentConfig) (*agent.Agent, error) {
	if cached, ok := s.agents[cfg.Name]; ok {
		age := time.Since(cached.agent.CreatedAt())
		if cached.agent.CreatedAt().IsZero() || age < time.Duration(s.appCfg.SessionTimeoutMinutes)*time.Minute {
			return cached.agent, nil
		}
		cached.agent.Dispose()
		delete(s.agents, cfg.Name)
	}

	ag := s.buildAgent(cfg)
	s.agents[cfg.Name] = &cachedAgent{agent: ag, cfg: cfg}
	return ag, nil
}

func (s *Supervisor) buildAgent(cfg config.AgentConfig) *agent.Agent {
	// registry needs a RequestStop closure before ag exists; ag is assigned
	// below but the closure only runs later, once a conversation is live.
	var ag *agent.Agent
	registry := tools.NewRegistry(s.pluginsFor(cfg, func() {
		if ag != nil {
			ag.RequestStop()
		}
	})...)

	ag = agent.New(agent.Config{
		Name:               cfg.Name,
		Instructions:       cfg.Instructions,
		Temperature:        cfg.Temperature,
		VoiceName:          cfg.VoiceName,
		GlobalInstructions: s.appCfg.GlobalInstructions,
		APIKey:             s.appCfg.APIKey,
		Model:              s.appCfg.Model,
		ConversationInactivityTimeout: time.Duration(s.appCfg.ConversationInactivityTimeoutSeconds) * time.Second,
		DisableEchoSuppression:        cfg.DisableEchoSuppression,
	}, registry, s.logger)
	return ag
}

func (s *Supervisor) pluginsFor(cfg config.AgentConfig, requestStop func()) []tools.Plugin {
	plugins := []tools.Plugin{tools.SystemPlugin{RequestStop: requestStop}}
	if cfg.ToolsEnabled["CalculatorPlugin"] {
		plugins = append(plugins, tools.CalculatorPlugin{})
	}
	if cfg.ToolsEnabled["DateTimePlugin"] {
		plugins = append(plugins, tools.DateTimePlugin{})
	}
	return plugins
}

// runConversation opens fresh mic/speaker/VAD resources, runs ag, and
// guarantees their release on every exit path (spec §5 "Resources").
func (s *Supervisor) runConversation(ctx context.Context, ag *agent.Agent, runID string) error {
	mic, err := audio.NewMicrophone(s.micSampleRate)
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	defer mic.Close()

	speaker, err := audio.NewSpeaker(uplinkSampleRate)
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	defer speaker.Close()

	detector, err := vad.New(vad.Config{
		ModelPath:  s.appCfg.VADModelPath,
		SampleRate: 16000,
		Threshold:  0.5,
		LibPath:    s.appCfg.OnnxLibraryPath,
	})
	if err != nil {
		return fmt.Errorf("open vad detector: %w", err)
	}
	defer detector.Close()

	runCtx, cancelRun := mergeContext(ctx, s.hangup.Token())
	defer cancelRun()

	onState := func(u agent.StateUpdate) {
		switch u.Kind {
		case agent.StateReady:
			s.bus.Publish(bus.FromSender(bus.StartListening, ag))
		case agent.StateSpeakingStopped:
			s.bus.Publish(bus.Event{Type: bus.TalkLevel, Sender: ag})
		}
	}
	onMeter := func(level int) {
		s.bus.Publish(bus.Event{Type: bus.TalkLevel, Level: &level, Sender: ag, SkipLogging: true})
	}

	result, err := ag.Run(runCtx, mic, speaker, detector, onState, onMeter, s.hangup.Cancel)
	if err != nil {
		return err
	}
	s.logger.Info("supervisor: conversation finished", "runId", runID, "result", result.String())
	return nil
}
