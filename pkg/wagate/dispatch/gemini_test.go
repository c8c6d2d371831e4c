package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func geminiServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv
}

func replyWith(text string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": text}},
				},
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func newTestGemini(t *testing.T, baseURL string) *Gemini {
	t.Helper()
	g, err := NewGemini(GeminiConfig{APIKey: "test-key", BaseURL: baseURL}, nil)
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	return g
}

func TestGeminiDispatch(t *testing.T) {
	t.Run("returns the model reply", func(t *testing.T) {
		srv := geminiServer(t, replyWith("hello there"))
		g := newTestGemini(t, srv.URL)

		reply, err := g.Dispatch(context.Background(), Turn{
			SessionID: "s1", ContactID: "c1", Text: "hi",
		}, Options{})
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if reply != "hello there" {
			t.Errorf("expected model reply, got %q", reply)
		}
	})

	t.Run("sends history and system prompt", func(t *testing.T) {
		var captured geminiRequest
		srv := geminiServer(t, func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
				t.Errorf("decoding request: %v", err)
			}
			replyWith("second reply")(w, r)
		})
		g := newTestGemini(t, srv.URL)

		g.history.Append("s1", "c1", "user", "earlier question")
		g.history.Append("s1", "c1", "model", "earlier answer")

		_, err := g.Dispatch(context.Background(), Turn{
			SessionID: "s1", ContactID: "c1", Text: "followup",
		}, Options{SystemPrompt: "be brief", Temperature: 0.3})
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}

		if captured.SystemInstruction == nil ||
			captured.SystemInstruction.Parts[0].Text != "be brief" {
			t.Error("system prompt not sent")
		}
		if len(captured.Contents) != 3 {
			t.Fatalf("expected history + current turn, got %d contents", len(captured.Contents))
		}
		if captured.Contents[0].Text() != "earlier question" || captured.Contents[0].Role != "user" {
			t.Errorf("history order broken: %+v", captured.Contents[0])
		}
		if captured.GenerationConfig.Temperature != 0.3 {
			t.Errorf("temperature not forwarded: %v", captured.GenerationConfig.Temperature)
		}
	})

	t.Run("records the exchange in history", func(t *testing.T) {
		srv := geminiServer(t, replyWith("noted"))
		g := newTestGemini(t, srv.URL)

		if _, err := g.Dispatch(context.Background(), Turn{
			SessionID: "s1", ContactID: "c1", Text: "remember this",
		}, Options{}); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}

		entries := g.history.Get("s1", "c1")
		if len(entries) != 2 {
			t.Fatalf("expected 2 history entries, got %d", len(entries))
		}
		if entries[0].Role != "user" || entries[1].Role != "model" {
			t.Errorf("unexpected roles: %+v", entries)
		}
	})

	t.Run("API failure degrades to fallback", func(t *testing.T) {
		srv := geminiServer(t, func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusTooManyRequests)
		})
		g := newTestGemini(t, srv.URL)

		reply, err := g.Dispatch(context.Background(), Turn{
			SessionID: "s1", ContactID: "c1", Text: "hi",
		}, Options{})
		if err != nil {
			t.Fatalf("expected degraded reply, got error: %v", err)
		}
		if reply != FallbackReply {
			t.Errorf("expected fallback reply, got %q", reply)
		}
		if entries := g.history.Get("s1", "c1"); len(entries) != 0 {
			t.Errorf("failed turn must not pollute history: %+v", entries)
		}
	})

	t.Run("media failure uses media fallback", func(t *testing.T) {
		srv := geminiServer(t, func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
		g := newTestGemini(t, srv.URL)

		reply, err := g.Dispatch(context.Background(), Turn{
			SessionID: "s1", ContactID: "c1", Text: "[image]",
			Attachments: []Attachment{{MIME: "image/jpeg", Data: []byte{0xFF}}},
		}, Options{})
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if reply != FallbackMediaReply {
			t.Errorf("expected media fallback, got %q", reply)
		}
	})

	t.Run("cancellation propagates", func(t *testing.T) {
		srv := geminiServer(t, replyWith("never seen"))
		g := newTestGemini(t, srv.URL)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := g.Dispatch(ctx, Turn{
			SessionID: "s1", ContactID: "c1", Text: "hi",
		}, Options{}); err == nil {
			t.Error("expected error for canceled context")
		}
	})

	t.Run("inline media is encoded", func(t *testing.T) {
		var captured geminiRequest
		srv := geminiServer(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&captured)
			replyWith("nice photo")(w, r)
		})
		g := newTestGemini(t, srv.URL)

		_, err := g.Dispatch(context.Background(), Turn{
			SessionID: "s1", ContactID: "c1", Text: "check this",
			Attachments: []Attachment{{MIME: "image/jpeg", Data: []byte("raw-bytes")}},
		}, Options{})
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}

		last := captured.Contents[len(captured.Contents)-1]
		var foundInline bool
		for _, part := range last.Parts {
			if part.InlineData != nil {
				foundInline = true
				if part.InlineData.MIMEType != "image/jpeg" {
					t.Errorf("wrong mime: %q", part.InlineData.MIMEType)
				}
				if !strings.Contains(part.InlineData.Data, "cmF3LWJ5dGVz") {
					t.Errorf("data not base64 encoded: %q", part.InlineData.Data)
				}
			}
		}
		if !foundInline {
			t.Error("no inline data part in request")
		}
	})
}

// Text returns the first text part, for test assertions.
func (c geminiContent) Text() string {
	for _, p := range c.Parts {
		if p.Text != "" {
			return p.Text
		}
	}
	return ""
}

func TestNewGeminiValidation(t *testing.T) {
	if _, err := NewGemini(GeminiConfig{}, nil); err == nil {
		t.Error("expected error for missing API key")
	}
}
