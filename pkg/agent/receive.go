package agent

import (
	"context"
	"strings"
	"time"

	"github.com/noiacore/noiacore/pkg/realtime"
)

// receiveLoop dispatches server events for the lifetime of sess — it
// outlives any single Run call, per spec §4.8 ("Receive loop (lifetime =
// session, not per call)"). argBuilders is local to this goroutine; no lock
// is needed since only the receive loop ever touches it.
func (a *Agent) receiveLoop(sess *realtime.Session) {
	argBuilders := make(map[string]*strings.Builder)

	for ev := range sess.Events() {
		switch ev.Kind {
		case realtime.EventSessionStarted:
			a.logger.Info("agent: session started", "sessionId", ev.SessionID)
		case realtime.EventOutputStreamingStarted:
			a.onOutputStreamingStarted(ev)
		case realtime.EventOutputDelta:
			a.onOutputDelta(ev, argBuilders)
		case realtime.EventOutputStreamingFinished:
			a.onOutputStreamingFinished(ev, sess, argBuilders)
		case realtime.EventInputAudioTranscriptionFinished:
			a.logger.Info("agent: transcript", "text", ev.Transcript)
		case realtime.EventResponseFinished:
			a.onResponseFinished(ev, sess)
		case realtime.EventError:
			a.logger.Warn("agent: remote error", "message", ev.Message)
		}
	}
}

func (a *Agent) onOutputStreamingStarted(ev realtime.Event) {
	a.playback.mu.Lock()
	a.playback.modelIsSpeaking = true
	a.playback.bargeInTriggered = false
	a.playback.waitingForResponse = false
	a.playback.currentStreamingItemID = ev.ItemID
	a.playback.outputBuf = nil
	a.playback.mu.Unlock()

	a.notifyState(StateUpdate{Kind: StateSpeakingStarted})
}

func (a *Agent) onOutputDelta(ev realtime.Event, argBuilders map[string]*strings.Builder) {
	if ev.FunctionArguments != "" {
		b, ok := argBuilders[ev.ItemID]
		if !ok {
			b = &strings.Builder{}
			argBuilders[ev.ItemID] = b
		}
		b.WriteString(ev.FunctionArguments)
	}

	if len(ev.AudioBytes) == 0 {
		return
	}

	a.playback.mu.Lock()
	var chunks [][]byte
	if !a.playback.bargeInTriggered {
		a.playback.outputBuf = append(a.playback.outputBuf, ev.AudioBytes...)
		for len(a.playback.outputBuf) >= SpeakerChunkSize {
			chunk := make([]byte, SpeakerChunkSize)
			copy(chunk, a.playback.outputBuf[:SpeakerChunkSize])
			chunks = append(chunks, chunk)
			a.playback.outputBuf = a.playback.outputBuf[SpeakerChunkSize:]
		}
	}
	a.playback.mu.Unlock()

	if spk := a.getSpeaker(); spk != nil {
		for _, c := range chunks {
			spk.Write(c)
			a.recordPlayedAudio(c)
		}
	}
}

func (a *Agent) onOutputStreamingFinished(ev realtime.Event, sess *realtime.Session, argBuilders map[string]*strings.Builder) {
	defer delete(argBuilders, ev.ItemID)

	if ev.FunctionCallID == "" {
		return
	}

	argsJSON := ""
	if b, ok := argBuilders[ev.ItemID]; ok {
		argsJSON = b.String()
	}

	out := a.registry.InvokeFunction(context.Background(), ev.FunctionName, ev.FunctionCallID, argsJSON)
	if err := sess.AddItem(out.CallID, out.Output); err != nil {
		a.logger.Warn("agent: add function-call-output item failed", "error", err)
	}
}

func (a *Agent) onResponseFinished(ev realtime.Event, sess *realtime.Session) {
	a.playback.mu.Lock()
	a.playback.waitingForResponse = false
	bargeIn := a.playback.bargeInTriggered
	residual := a.playback.outputBuf
	a.playback.outputBuf = nil
	a.playback.mu.Unlock()

	spk := a.getSpeaker()
	if spk != nil {
		if !bargeIn && len(residual) > 0 {
			spk.Write(residual)
		}
		spk.FlushAsync(nil)
	}

	a.playback.mu.Lock()
	a.playback.modelIsSpeaking = false
	a.playback.mu.Unlock()
	a.notifyState(StateUpdate{Kind: StateSpeakingStopped})

	hasFunctionCall := false
	for _, item := range ev.CreatedItems {
		if item.FunctionName != "" {
			hasFunctionCall = true
			break
		}
	}
	if !hasFunctionCall {
		return
	}

	a.playback.mu.Lock()
	a.playback.waitingForResponse = true
	a.playback.responseRequestedAt = time.Now()
	a.playback.mu.Unlock()

	if err := sess.StartResponse(); err != nil {
		a.logger.Warn("agent: start follow-up response failed", "error", err)
	}
}
