package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/noiacore/noiacore/pkg/audio"
	"github.com/noiacore/noiacore/pkg/realtime"
	"github.com/noiacore/noiacore/pkg/tools"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestAgent(t *testing.T, handler func(conn *websocket.Conn)) *Agent {
	srv := startServer(t, handler)
	registry := tools.NewRegistry(tools.CalculatorPlugin{})
	a := New(Config{APIKey: "key", Model: "test-model", ConversationInactivityTimeout: 200 * time.Millisecond}, registry, nil)
	a.dial = func(ctx context.Context, apiKey, model string) (*realtime.Session, error) {
		return realtime.Dial(ctx, wsURL(srv), apiKey, model)
	}
	return a
}

type fakeMic struct {
	ch         chan audio.Frame
	sampleRate uint32
}

func newFakeMic(rate uint32) *fakeMic {
	return &fakeMic{ch: make(chan audio.Frame, 256), sampleRate: rate}
}

func (m *fakeMic) Frames() <-chan audio.Frame { return m.ch }
func (m *fakeMic) SampleRate() uint32         { return m.sampleRate }

func (m *fakeMic) pushSilence(n int) {
	for range n {
		m.ch <- audio.Frame{Samples: make([]int16, audio.FrameSamples)}
	}
}

func (m *fakeMic) pushSpeech(n int) {
	for range n {
		samples := make([]int16, audio.FrameSamples)
		for i := range samples {
			samples[i] = 16000
		}
		m.ch <- audio.Frame{Samples: samples}
	}
}

type fakeSpeaker struct {
	mu      sync.Mutex
	written [][]byte
	cleared int
	played  int64
}

func (s *fakeSpeaker) Start() error { return nil }
func (s *fakeSpeaker) Write(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), pcm...))
}
func (s *fakeSpeaker) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
	s.written = nil
}
func (s *fakeSpeaker) FlushAsync(done <-chan struct{}) {}
func (s *fakeSpeaker) GetEstimatedPlayedMilliseconds() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played
}
func (s *fakeSpeaker) OnMeter(callback func(level int)) {}
func (s *fakeSpeaker) Stop() error                      { return nil }

// fakeVAD always reports the same decision, regardless of window contents —
// enough to drive the capture loop's state machine deterministically.
type fakeVAD struct {
	windowSize int
	speech     bool
	resets     int
}

func (v *fakeVAD) Process(window []float32) (float64, bool, error) {
	if v.speech {
		return 0.9, true, nil
	}
	return 0.1, false, nil
}
func (v *fakeVAD) WindowSize() int { return v.windowSize }
func (v *fakeVAD) Reset()          { v.resets++ }

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("write: %v", err)
	}
}

func TestRunReturnsInactivityTimeoutWithoutDisposingSession(t *testing.T) {
	a := newTestAgent(t, func(conn *websocket.Conn) {
		var msg map[string]any
		readJSON(t, conn, &msg) // session.update
		time.Sleep(500 * time.Millisecond)
	})

	mic := newFakeMic(16000)
	speaker := &fakeSpeaker{}
	vadDetector := &fakeVAD{windowSize: 512, speech: false}

	// Inactivity is checked per captured frame, so keep frames arriving the
	// way a live microphone would until the timeout elapses.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				mic.pushSilence(1)
			}
		}
	}()

	result, err := a.Run(context.Background(), mic, speaker, vadDetector, nil, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != RunInactivityTimeout {
		t.Fatalf("result = %v, want InactivityTimeout", result)
	}

	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		t.Fatal("expected session to survive InactivityTimeout")
	}
}

func TestRunReturnsCancelledOnContextCancellation(t *testing.T) {
	a := newTestAgent(t, func(conn *websocket.Conn) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		time.Sleep(500 * time.Millisecond)
	})

	mic := newFakeMic(16000)
	speaker := &fakeSpeaker{}
	vadDetector := &fakeVAD{windowSize: 512, speech: false}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := a.Run(ctx, mic, speaker, vadDetector, nil, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != RunCancelled {
		t.Fatalf("result = %v, want Cancelled", result)
	}
}

func TestEndOfSpeechSendsInputAudioThenCommitsThenStartsResponse(t *testing.T) {
	order := make(chan string, 8)
	a := newTestAgent(t, func(conn *websocket.Conn) {
		var msg map[string]any
		readJSON(t, conn, &msg) // session.update

		for i := 0; i < 3; i++ {
			readJSON(t, conn, &msg)
			order <- msg["type"].(string)
		}
		time.Sleep(200 * time.Millisecond)
	})

	mic := newFakeMic(16000)
	speaker := &fakeSpeaker{}
	vadDetector := &fakeVAD{windowSize: 512, speech: true}

	mic.pushSpeech(minSpeechFrames)
	go func() {
		time.Sleep(20 * time.Millisecond)
		vadDetector.speech = false
		framesForSilence := silenceMillisecondsToStop/int((time.Duration(audio.FrameSamples)*time.Second/16000).Milliseconds()) + 2
		mic.pushSilence(framesForSilence)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.cfg.ConversationInactivityTimeout = 0
	a.Run(ctx, mic, speaker, vadDetector, nil, nil, nil)

	got := []string{<-order, <-order, <-order}
	want := []string{"input_audio_buffer.append", "input_audio_buffer.commit", "response.create"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestBargeInClearsSpeakerAndCancelsResponse(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	a := newTestAgent(t, func(conn *websocket.Conn) {
		var msg map[string]any
		readJSON(t, conn, &msg) // session.update
		ready <- conn

		writeJSON(t, conn, map[string]any{
			"type": "response.output_item.added",
			"item": map[string]any{"id": "item-1"},
		})
		audioDelta := base64.StdEncoding.EncodeToString(make([]byte, 8192))
		writeJSON(t, conn, map[string]any{
			"type":    "response.audio.delta",
			"item_id": "item-1",
			"delta":   audioDelta,
		})

		var cancelMsg map[string]any
		readJSON(t, conn, &cancelMsg)
		var truncateMsg map[string]any
		readJSON(t, conn, &truncateMsg)
		if cancelMsg["type"] != "response.cancel" {
			t.Errorf("cancelMsg type = %v, want response.cancel", cancelMsg["type"])
		}
		if truncateMsg["type"] != "conversation.item.truncate" {
			t.Errorf("truncateMsg type = %v, want conversation.item.truncate", truncateMsg["type"])
		}
		time.Sleep(200 * time.Millisecond)
	})

	mic := newFakeMic(16000)
	speaker := &fakeSpeaker{}
	vadDetector := &fakeVAD{windowSize: 512, speech: false}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		<-ready
		time.Sleep(100 * time.Millisecond) // let the receive loop observe OutputStreamingStarted/OutputDelta
		vadDetector.speech = true
		mic.pushSpeech(minSpeechFramesForBargeIn)
	}()

	a.cfg.ConversationInactivityTimeout = 0
	a.Run(ctx, mic, speaker, vadDetector, nil, nil, nil)

	speaker.mu.Lock()
	defer speaker.mu.Unlock()
	if speaker.cleared == 0 {
		t.Fatal("expected speaker.Clear to be called on barge-in")
	}
}
