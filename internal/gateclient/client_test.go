package gateclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBlockSendsParametersAndParsesResponse(t *testing.T) {
	var gotQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/concurrency/block" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotQuery.Store(r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"released","round":3,"slept_after_release":0.05,
			"request_id":"abc-1","queued_position":7,"currently_waiting":2,"timestamp":1700000000.5}`))
	}))
	defer server.Close()

	c := New(server.URL + "/")
	res, err := c.Block(context.Background(), 50*time.Millisecond, "abc-1")
	if err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if res.Round != 3 || res.QueuedPosition != 7 || res.CurrentlyWaiting != 2 {
		t.Fatalf("unexpected response %+v", res)
	}
	if res.RequestID != "abc-1" || res.SleptAfterRelease != 0.05 {
		t.Fatalf("unexpected response %+v", res)
	}
	q := gotQuery.Load().(string)
	if !strings.Contains(q, "delay=0.05") || !strings.Contains(q, "request_id=abc-1") {
		t.Fatalf("unexpected query %q", q)
	}
}

func TestReleaseReleasedWaitingOptional(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *int
	}{
		{"present", `{"round":1,"released_waiting":5,"gate_rearmed":true}`, intPtr(5)},
		{"zero", `{"round":1,"released_waiting":0}`, intPtr(0)},
		{"missing", `{"round":1}`, nil},
		{"null", `{"round":1,"released_waiting":null}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				if got := r.URL.Query().Get("reset_gate"); got != "true" {
					t.Errorf("reset_gate = %q, want true", got)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			res, err := New(server.URL).Release(context.Background(), ReleaseParams{Rearm: true})
			if err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			switch {
			case tt.want == nil && res.ReleasedWaiting != nil:
				t.Fatalf("ReleasedWaiting = %d, want nil", *res.ReleasedWaiting)
			case tt.want != nil && (res.ReleasedWaiting == nil || *res.ReleasedWaiting != *tt.want):
				t.Fatalf("ReleasedWaiting = %v, want %d", res.ReleasedWaiting, *tt.want)
			}
		})
	}
}

func TestNon200IsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer server.Close()

	_, err := New(server.URL).Block(context.Background(), 0, "")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Status() != http.StatusServiceUnavailable || !strings.Contains(httpErr.Body, "overloaded") {
		t.Fatalf("unexpected error %+v", httpErr)
	}
}

func TestCreatedIsNotSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	if _, err := New(server.URL).Health(context.Background()); err == nil {
		t.Fatal("expected error for 201 response")
	}
}

func TestInvalidJSONIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer server.Close()

	if _, err := New(server.URL).Status(context.Background()); err == nil {
		t.Fatal("expected error for non-JSON body")
	}
}

func TestBlockHonoursContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(server.URL).Block(ctx, 0, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Block() error = %v, want deadline exceeded", err)
	}
}

func TestHealthAndSlowIO(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","type":"loop","timestamp":1.5,"endpoints":["/slow-io","/concurrency/block"]}`))
	})
	mux.HandleFunc("/slow-io", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"done","delay":` + r.URL.Query().Get("delay") + `,"request_id":"` + r.URL.Query().Get("request_id") + `"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := New(server.URL)
	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if h.Status != "healthy" || h.Type != "loop" || len(h.Endpoints) != 2 {
		t.Fatalf("unexpected health %+v", h)
	}

	s, err := c.SlowIO(context.Background(), 1500*time.Millisecond, "w-3")
	if err != nil {
		t.Fatalf("SlowIO() error = %v", err)
	}
	if s.Delay != 1.5 || s.RequestID != "w-3" {
		t.Fatalf("unexpected slow-io response %+v", s)
	}
}

func TestWaitForWaiting(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/concurrency/events" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for waiting := 0; waiting <= 5; waiting++ {
			msg, _ := json.Marshal(map[string]any{"open": false, "waiting": waiting, "round": 1})
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := New(server.URL).WaitForWaiting(ctx, 4); err != nil {
		t.Fatalf("WaitForWaiting() error = %v", err)
	}
}

func TestWaitForWaitingTimesOut(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"open":false,"waiting":1,"round":1}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := New(server.URL).WaitForWaiting(ctx, 10)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitForWaiting() error = %v, want deadline exceeded", err)
	}
}

func intPtr(v int) *int { return &v }
