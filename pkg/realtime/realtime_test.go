package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/noiacore/noiacore/pkg/rterrors"
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

func TestConnectMissingAPIKeyIsConfigurationError(t *testing.T) {
	_, err := connectTo(context.Background(), "ws://127.0.0.1:0", "", "model")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
	if !errors.Is(err, rterrors.ErrConfigurationError) {
		t.Fatalf("err = %v, want ErrConfigurationError", err)
	}
}

func TestConfigureSendsSessionUpdateWithDisabledServerVAD(t *testing.T) {
	done := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		if msg["type"] != "session.update" {
			t.Errorf("type = %v, want session.update", msg["type"])
		}
		session, _ := msg["session"].(map[string]any)
		if _, ok := session["turn_detection"]; !ok {
			t.Error("expected turn_detection key present (nil) to disable server VAD")
		} else if session["turn_detection"] != nil {
			t.Errorf("turn_detection = %v, want nil", session["turn_detection"])
		}
		close(done)
	})

	sess, err := connectTo(context.Background(), wsURL(srv), "key", "test-model")
	if err != nil {
		t.Fatalf("connectTo: %v", err)
	}
	defer sess.Close()

	if err := sess.Configure(ConfigureParams{Voice: "verse"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server to observe session.update")
	}
}

func TestReceiveLoopDispatchesOutputDeltaAudio(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"type":    "response.audio.delta",
			"item_id": "item-1",
			"delta":   "aGVsbG8=", // base64("hello")
		})
		time.Sleep(50 * time.Millisecond)
	})

	sess, err := connectTo(context.Background(), wsURL(srv), "key", "test-model")
	if err != nil {
		t.Fatalf("connectTo: %v", err)
	}
	defer sess.Close()

	select {
	case ev := <-sess.Events():
		if ev.Kind != EventOutputDelta {
			t.Fatalf("Kind = %v, want EventOutputDelta", ev.Kind)
		}
		if string(ev.AudioBytes) != "hello" {
			t.Fatalf("AudioBytes = %q, want hello", ev.AudioBytes)
		}
		if ev.ItemID != "item-1" {
			t.Fatalf("ItemID = %q, want item-1", ev.ItemID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestReceiveLoopDispatchesResponseFinishedWithCreatedItems(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"type": "response.done",
			"response": map[string]any{
				"output": []map[string]any{
					{"type": "function_call", "name": "CalculatorPlugin-AddAsync", "call_id": "c1"},
				},
			},
		})
		time.Sleep(50 * time.Millisecond)
	})

	sess, err := connectTo(context.Background(), wsURL(srv), "key", "test-model")
	if err != nil {
		t.Fatalf("connectTo: %v", err)
	}
	defer sess.Close()

	select {
	case ev := <-sess.Events():
		if ev.Kind != EventResponseFinished {
			t.Fatalf("Kind = %v, want EventResponseFinished", ev.Kind)
		}
		if len(ev.CreatedItems) != 1 || ev.CreatedItems[0].FunctionName != "CalculatorPlugin-AddAsync" {
			t.Fatalf("CreatedItems = %+v", ev.CreatedItems)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestDoneClosesWhenReceiveLoopExits(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn) {
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	sess, err := connectTo(context.Background(), wsURL(srv), "key", "test-model")
	if err != nil {
		t.Fatalf("connectTo: %v", err)
	}
	defer sess.Close()

	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Done to close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
	})
	sess, err := connectTo(context.Background(), wsURL(srv), "key", "test-model")
	if err != nil {
		t.Fatalf("connectTo: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
