// Package realtime implements the thin, typed wire adapter (C7) to the
// remote bidirectional realtime speech-to-speech service: connect,
// configure, stream input audio, request and cancel responses, truncate a
// partially-heard item, and add function-call-output items back into the
// conversation.
//
// Grounded almost directly on MrWong99-glyphoxa's
// pkg/provider/s2s/openai/openai.go (dial/session-struct/receiveLoop/
// writeJSON/event-dispatch architecture), transported over
// github.com/coder/websocket the way the donor's own
// pkg/providers/tts/lokutor.go already uses that library (lazy dial,
// MessageBinary/MessageText framing). Like glyphoxa's serverEvent, every
// server event arrives as one flat Event struct: its Kind names the variant
// from a closed set and says which fields are set; the variants have no Go
// types of their own.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/noiacore/noiacore/pkg/rterrors"
)

const defaultBaseURL = "wss://realtime.example-speech-service.invalid/v1/stream"

// ToolDescriptor mirrors pkg/tools.ToolDescriptor without introducing a
// dependency from this package back onto pkg/tools — the agent core (C8),
// which already depends on both, is responsible for translating between
// them.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  any // marshaled as the tool's JSON-Schema parameters object
}

// ConfigureParams is the session.update payload (spec §4.7, §4.8
// "Configuration applied").
type ConfigureParams struct {
	Voice             string
	Instructions      string
	Temperature       *float64
	InputAudioFormat  string // "pcm16"
	OutputAudioFormat string // "pcm16"
	ServerVAD         bool   // always false per spec; kept explicit for clarity at call sites
	Tools             []ToolDescriptor
	ToolChoice        string // "auto"
}

// EventKind discriminates the closed set of server events this client
// surfaces (spec §4.7).
type EventKind string

const (
	EventSessionStarted                  EventKind = "SessionStarted"
	EventOutputStreamingStarted          EventKind = "OutputStreamingStarted"
	EventOutputDelta                     EventKind = "OutputDelta"
	EventOutputStreamingFinished         EventKind = "OutputStreamingFinished"
	EventInputAudioTranscriptionFinished EventKind = "InputAudioTranscriptionFinished"
	EventResponseFinished                EventKind = "ResponseFinished"
	EventError                           EventKind = "Error"
)

// CreatedItem is one entry of ResponseFinished's createdItems list.
type CreatedItem struct {
	FunctionName   string
	FunctionCallID string
	MessageRole    string
}

// Event is the single envelope carrying every server event variant; Kind
// says which fields are meaningful, mirroring the donor's preference for a
// flat struct over a Go interface-based sum type (cheaper to decode off the
// wire, per glyphoxa's serverEvent).
type Event struct {
	Kind EventKind

	SessionID string // SessionStarted

	ItemID       string // OutputStreamingStarted, OutputDelta, OutputStreamingFinished
	FunctionName string // OutputStreamingStarted, OutputStreamingFinished

	AudioBytes        []byte // OutputDelta
	AudioTranscript   string // OutputDelta
	Text              string // OutputDelta
	FunctionArguments string // OutputDelta
	FunctionCallID    string // OutputDelta, OutputStreamingFinished

	Transcript string // InputAudioTranscriptionFinished

	CreatedItems []CreatedItem // ResponseFinished

	Message string // Error
}

// ── outgoing wire messages ──────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Temperature       *float64  `json:"temperature,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
	TurnDetection     any       `json:"turn_detection"` // nil disables server-side VAD
	Tools             []oaiTool `json:"tools,omitempty"`
	ToolChoice        string    `json:"tool_choice,omitempty"`
}

type oaiTool struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type commitAudioMessage struct {
	Type string `json:"type"`
}

type createResponseMessage struct {
	Type string `json:"type"`
}

type cancelResponseMessage struct {
	Type string `json:"type"`
}

type truncateItemMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

type createItemMessage struct {
	Type string         `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ── incoming wire messages ──────────────────────────────────────────────

type serverMessage struct {
	Type string `json:"type"`

	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`

	Item *struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Name   string `json:"name,omitempty"`
		CallID string `json:"call_id,omitempty"`
		Role   string `json:"role,omitempty"`
	} `json:"item,omitempty"`

	ItemID     string `json:"item_id,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	Response *struct {
		Output []struct {
			Type   string `json:"type"`
			Name   string `json:"name,omitempty"`
			CallID string `json:"call_id,omitempty"`
			Role   string `json:"role,omitempty"`
		} `json:"output"`
	} `json:"response,omitempty"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ── Session ──────────────────────────────────────────────────────────────

// Session is one open bidirectional stream to the remote realtime service.
// Construct via Connect.
type Session struct {
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	events chan Event

	loopDone  chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// Connect dials the remote realtime service and returns an unconfigured
// Session — call Configure before streaming audio. The session's own
// lifetime context (§5: "Session CTS: cancelled only on dispose") is
// independent of any ctx passed to later per-call operations.
func Connect(ctx context.Context, apiKey, model string) (*Session, error) {
	return connectTo(ctx, defaultBaseURL, apiKey, model)
}

// Dial is Connect against an arbitrary base URL, for self-hosted gateways
// and test doubles that speak the same wire protocol.
func Dial(ctx context.Context, baseURL, apiKey, model string) (*Session, error) {
	return connectTo(ctx, baseURL, apiKey, model)
}

func connectTo(ctx context.Context, baseURL, apiKey, model string) (*Session, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("realtime: connect: %w", rterrors.ErrConfigurationError)
	}

	url := fmt.Sprintf("%s?model=%s", baseURL, model)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w: %v", rterrors.ErrTransientNetwork, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:     conn,
		ctx:      sessCtx,
		cancel:   cancel,
		events:   make(chan Event, 256),
		loopDone: make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

// Configure sends session.update with the given parameters.
func (s *Session) Configure(params ConfigureParams) error {
	tools := make([]oaiTool, len(params.Tools))
	for i, t := range params.Tools {
		tools[i] = oaiTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	msg := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Voice:             params.Voice,
			Instructions:      params.Instructions,
			Temperature:       params.Temperature,
			InputAudioFormat:  orDefault(params.InputAudioFormat, "pcm16"),
			OutputAudioFormat: orDefault(params.OutputAudioFormat, "pcm16"),
			TurnDetection:     nil, // server VAD always disabled, spec §4.7
			Tools:             tools,
			ToolChoice:        orDefault(params.ToolChoice, "auto"),
		},
	}
	return s.writeJSON(msg)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// SendInputAudio appends a PCM16 chunk to the server's input audio buffer.
func (s *Session) SendInputAudio(pcm []byte) error {
	return s.writeJSON(appendAudioMessage{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)})
}

// CommitPendingAudio closes the current input audio turn.
func (s *Session) CommitPendingAudio() error {
	return s.writeJSON(commitAudioMessage{Type: "input_audio_buffer.commit"})
}

// StartResponse requests the model begin generating a response.
func (s *Session) StartResponse() error {
	return s.writeJSON(createResponseMessage{Type: "response.create"})
}

// AddItem appends a function-call-output item to the conversation (spec
// §4.8's "add the resulting function-call-output item back to the
// session").
func (s *Session) AddItem(callID, output string) error {
	return s.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{Type: "function_call_output", CallID: callID, Output: output},
	})
}

// CancelResponse interrupts an in-flight response (barge-in, spec §4.8).
func (s *Session) CancelResponse() error {
	return s.writeJSON(cancelResponseMessage{Type: "response.cancel"})
}

// TruncateItem tells the server how much audio the user actually heard of
// itemID before it was interrupted.
func (s *Session) TruncateItem(itemID string, contentIndex int, audioEndMs int64) error {
	return s.writeJSON(truncateItemMessage{
		Type:         "conversation.item.truncate",
		ItemID:       itemID,
		ContentIndex: contentIndex,
		AudioEndMs:   audioEndMs,
	})
}

// Events returns the channel of server events. The channel is closed when
// the receive loop exits (wire closure or Close).
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w: %v", rterrors.ErrTransientNetwork, err)
	}
	return nil
}

// receiveLoop reads server frames until the connection closes or the
// session is disposed. It owns the events channel and closes it on exit so
// the agent core (C8) can detect "receive loop has terminated" (spec §4.8's
// reconnection rule) by a closed-channel read.
func (s *Session) receiveLoop() {
	defer close(s.events)
	defer s.closeOnce.Do(func() { close(s.loopDone) })

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.emit(Event{Kind: EventError, Message: fmt.Sprintf("malformed server event: %v", err)})
			continue
		}
		s.dispatch(&msg)
	}
}

func (s *Session) dispatch(msg *serverMessage) {
	switch msg.Type {
	case "session.created":
		id := ""
		if msg.Session != nil {
			id = msg.Session.ID
		}
		s.emit(Event{Kind: EventSessionStarted, SessionID: id})

	case "response.output_item.added":
		if msg.Item == nil {
			return
		}
		s.emit(Event{Kind: EventOutputStreamingStarted, ItemID: msg.Item.ID, FunctionName: msg.Item.Name})

	case "response.audio.delta":
		if msg.Delta == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return
		}
		s.emit(Event{Kind: EventOutputDelta, ItemID: msg.ItemID, AudioBytes: audio})

	case "response.audio_transcript.delta":
		s.emit(Event{Kind: EventOutputDelta, ItemID: msg.ItemID, AudioTranscript: msg.Delta})

	case "response.text.delta":
		s.emit(Event{Kind: EventOutputDelta, ItemID: msg.ItemID, Text: msg.Delta})

	case "response.function_call_arguments.delta":
		s.emit(Event{Kind: EventOutputDelta, ItemID: msg.ItemID, FunctionArguments: msg.Delta, FunctionCallID: msg.CallID})

	case "response.output_item.done":
		if msg.Item == nil {
			return
		}
		s.emit(Event{Kind: EventOutputStreamingFinished, ItemID: msg.Item.ID, FunctionCallID: msg.Item.CallID, FunctionName: msg.Item.Name})

	case "conversation.item.input_audio_transcription.completed":
		s.emit(Event{Kind: EventInputAudioTranscriptionFinished, Transcript: msg.Transcript})

	case "response.done":
		var created []CreatedItem
		if msg.Response != nil {
			for _, item := range msg.Response.Output {
				created = append(created, CreatedItem{FunctionName: item.Name, FunctionCallID: item.CallID, MessageRole: item.Role})
			}
		}
		s.emit(Event{Kind: EventResponseFinished, CreatedItems: created})

	case "error":
		text := "unknown error"
		if msg.Error != nil && msg.Error.Message != "" {
			text = msg.Error.Message
		}
		s.emit(Event{Kind: EventError, Message: text})
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Done reports whether the receive loop has terminated (wire closed or
// session disposed) — the agent core checks this before reuse (spec §4.8).
func (s *Session) Done() <-chan struct{} {
	return s.loopDone
}

// Close disposes the session: cancels its context and closes the
// underlying connection. Idempotent. Does not affect any run() cancellation
// (spec §5: "Session CTS: cancelled only on dispose").
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "session disposed")
}
