package agent

import (
	"time"

	"github.com/noiacore/noiacore/pkg/audio"
	"github.com/noiacore/noiacore/pkg/realtime"
	"github.com/noiacore/noiacore/pkg/vad"
)

// captureState is the spec's Audio Capture State: owned by one Run call,
// never shared with the receive loop.
type captureState struct {
	preBuffer    [][]byte // ring of upsampled (24kHz) PCM16 byte frames
	utteranceBuf []byte

	isRecording             bool
	speechFrameCount        int
	bargeInSpeechFrameCount int
	silenceDurationMs       int
	wasModelSpeaking        bool
	lastActivityAt          time.Time
}

// processFrame runs the audio-capture loop's per-frame logic (spec §4.8,
// steps 1-8) and reports whether Run should return, and with which result.
func (a *Agent) processFrame(sess *realtime.Session, frame audio.Frame, cs *captureState, vadDetector VAD, vadResampler, uplinkResampler *audio.Resampler, speaker Speaker, frameDuration time.Duration) (RunResult, bool) {
	window := fitWindow(vad.PCM16ToFloat32(vadResampler.Process(frame.Samples)), vadDetector.WindowSize())
	_, isSpeech, err := vadDetector.Process(window)
	if err != nil {
		a.logger.Warn("agent: vad error", "error", err)
		return 0, false
	}

	a.playback.mu.Lock()
	modelSpeaking := a.playback.modelIsSpeaking
	a.playback.mu.Unlock()

	// Speaker bleed re-entering the mic while the model is talking must
	// never count as real speech toward barge-in or activity.
	if modelSpeaking && isSpeech && a.echo.isEcho(window) {
		isSpeech = false
	}

	// 2. Inactivity tracking: a speech frame, or the model having just
	// stopped speaking, counts as activity.
	if isSpeech || (cs.wasModelSpeaking && !modelSpeaking) {
		cs.lastActivityAt = time.Now()
	}
	cs.wasModelSpeaking = modelSpeaking

	// 3. Barge-in: model speaking and the user starts talking over it.
	if modelSpeaking && isSpeech {
		cs.bargeInSpeechFrameCount++
		if cs.bargeInSpeechFrameCount >= minSpeechFramesForBargeIn {
			a.triggerBargeIn(sess, speaker)
			cs.isRecording = true
			cs.speechFrameCount = 0
			cs.silenceDurationMs = 0
			cs.bargeInSpeechFrameCount = 0
			cs.utteranceBuf = nil
			cs.preBuffer = nil
			vadDetector.Reset()
			return 0, false
		}
		return a.watchdogAndInactivity(cs, modelSpeaking)
	}
	cs.bargeInSpeechFrameCount = 0

	// 4. Pre-buffer while not recording.
	if !cs.isRecording {
		upsampled := samplesToBytes(uplinkResampler.Process(frame.Samples))
		cs.preBuffer = append(cs.preBuffer, upsampled)
		if over := len(cs.preBuffer) - preBufferFrames; over > 0 {
			cs.preBuffer = cs.preBuffer[over:]
		}
	}

	// 5. Start-of-speech.
	if !cs.isRecording && !modelSpeaking {
		if isSpeech {
			cs.speechFrameCount++
		} else {
			cs.speechFrameCount = 0
		}
		if cs.speechFrameCount >= minSpeechFrames {
			cs.isRecording = true
			for _, b := range cs.preBuffer {
				cs.utteranceBuf = append(cs.utteranceBuf, b...)
			}
			cs.preBuffer = nil
			cs.silenceDurationMs = 0
		}
	}

	// 6. End-of-speech.
	if cs.isRecording {
		cs.utteranceBuf = append(cs.utteranceBuf, samplesToBytes(uplinkResampler.Process(frame.Samples))...)
		if isSpeech {
			cs.silenceDurationMs = 0
		} else {
			cs.silenceDurationMs += int(frameDuration.Milliseconds())
			if cs.silenceDurationMs >= silenceMillisecondsToStop {
				a.finishUtterance(sess, cs)
			}
		}
	}

	return a.watchdogAndInactivity(cs, modelSpeaking)
}

// watchdogAndInactivity implements steps 7-8, shared by every return path of
// processFrame.
func (a *Agent) watchdogAndInactivity(cs *captureState, modelSpeaking bool) (RunResult, bool) {
	a.playback.mu.Lock()
	if a.playback.waitingForResponse && time.Since(a.playback.responseRequestedAt) > responseWaitTimeout {
		a.playback.waitingForResponse = false
		a.logger.Warn("agent: response wait timed out")
	}
	waiting := a.playback.waitingForResponse
	a.playback.mu.Unlock()

	if !cs.isRecording && !modelSpeaking && !waiting &&
		a.cfg.ConversationInactivityTimeout > 0 &&
		time.Since(cs.lastActivityAt) >= a.cfg.ConversationInactivityTimeout {
		return RunInactivityTimeout, true
	}
	return 0, false
}

// triggerBargeIn performs the barge-in sequence: observation strictly
// precedes cancelResponse/truncateItem/speaker.clear (spec §5 "ordering
// guarantees").
func (a *Agent) triggerBargeIn(sess *realtime.Session, speaker Speaker) {
	a.playback.mu.Lock()
	if a.playback.bargeInTriggered {
		a.playback.mu.Unlock()
		return
	}
	a.playback.bargeInTriggered = true
	itemID := a.playback.currentStreamingItemID
	a.playback.mu.Unlock()

	speaker.Clear()
	playedMs := speaker.GetEstimatedPlayedMilliseconds()
	if err := sess.CancelResponse(); err != nil {
		a.logger.Warn("agent: cancel response failed", "error", err)
	}
	if err := sess.TruncateItem(itemID, 0, playedMs); err != nil {
		a.logger.Warn("agent: truncate item failed", "error", err)
	}

	a.playback.mu.Lock()
	a.playback.modelIsSpeaking = false
	a.playback.mu.Unlock()
	a.echo.reset()
	a.notifyState(StateUpdate{Kind: StateSpeakingStopped})
}

// finishUtterance sends the accumulated utterance and requests a response.
func (a *Agent) finishUtterance(sess *realtime.Session, cs *captureState) {
	buf := cs.utteranceBuf
	cs.utteranceBuf = nil
	cs.isRecording = false
	cs.speechFrameCount = 0
	cs.silenceDurationMs = 0

	if err := sess.SendInputAudio(buf); err != nil {
		a.logger.Warn("agent: send input audio failed", "error", err)
		return
	}
	if err := sess.CommitPendingAudio(); err != nil {
		a.logger.Warn("agent: commit pending audio failed", "error", err)
		return
	}
	if err := sess.StartResponse(); err != nil {
		a.logger.Warn("agent: start response failed", "error", err)
		return
	}

	a.playback.mu.Lock()
	a.playback.waitingForResponse = true
	a.playback.responseRequestedAt = time.Now()
	a.playback.mu.Unlock()
}

func fitWindow(in []float32, size int) []float32 {
	if len(in) == size {
		return in
	}
	out := make([]float32, size)
	copy(out, in)
	return out
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
