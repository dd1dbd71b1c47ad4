package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func collect(t *testing.T, items <-chan domain.StreamItem) ([]domain.StreamChunk, domain.StreamItem) {
	t.Helper()
	var chunks []domain.StreamChunk
	for item := range items {
		switch item.Kind {
		case domain.StreamItemChunk:
			chunks = append(chunks, item.Chunk)
		default:
			return chunks, item
		}
	}
	t.Fatal("stream closed without a terminal item")
	return nil, domain.StreamItem{}
}

func TestAdapter_Complete(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	}))
	defer server.Close()

	a := New("openai", "sk-test", server.URL, server.Client())
	resp, err := a.Complete(context.Background(), domain.ChatRequest{
		Model:    "alias",
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	}, domain.ModelDescriptor{Name: "gpt-4o", Provider: "openai"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if gotPath != "/chat/completions" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody["model"] != "gpt-4o" {
		t.Errorf("upstream model = %v, want descriptor name", gotBody["model"])
	}
	if _, ok := gotBody["stream_options"]; ok {
		t.Error("stream_options sent on a non-streaming request")
	}
	if resp.Usage.TotalTokens != 4 || resp.Choices[0].Message.Content != "hi" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestAdapter_Complete_Endpoint(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"id":"x","choices":[]}`)
	}))
	defer server.Close()

	a := New("deepseek", "", "http://unused.invalid", server.Client())
	_, err := a.Complete(context.Background(), domain.ChatRequest{},
		domain.ModelDescriptor{Name: "deepseek-chat", Endpoint: server.URL + "/custom/v1/chat"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if gotPath != "/custom/v1/chat" {
		t.Errorf("path = %s, want descriptor endpoint", gotPath)
	}
}

func TestAdapter_Complete_UpstreamError(t *testing.T) {
	body := `{"error":{"message":"slow down","type":"rate_limit"}}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	a := New("openai", "k", server.URL, server.Client())
	_, err := a.Complete(context.Background(), domain.ChatRequest{}, domain.ModelDescriptor{Name: "gpt-4"})

	var upErr *domain.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if upErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", upErr.StatusCode)
	}
	if string(upErr.Body) != body {
		t.Errorf("Body = %s", upErr.Body)
	}
	if upErr.Provider != "openai" {
		t.Errorf("Provider = %s", upErr.Provider)
	}
}

func TestAdapter_Complete_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	a := New("openai", "k", url, nil)
	_, err := a.Complete(context.Background(), domain.ChatRequest{}, domain.ModelDescriptor{Name: "gpt-4"})
	if !errors.Is(err, domain.ErrUpstream) {
		t.Errorf("error = %v, want ErrUpstream", err)
	}
	if got := domain.HTTPStatus(err); got != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want 502", got)
	}
}

func TestAdapter_CompleteStream(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	a := New("openai", "k", server.URL, server.Client())
	items := a.CompleteStream(context.Background(), domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}},
		domain.ModelDescriptor{Name: "gpt-4o"})

	chunks, terminal := collect(t, items)
	if terminal.Kind != domain.StreamItemDone {
		t.Fatalf("terminal = %+v, want done", terminal)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}

	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c.Content())
	}
	if text.String() != "Hello" {
		t.Errorf("text = %q", text.String())
	}

	if gotBody["stream"] != true {
		t.Errorf("stream flag = %v", gotBody["stream"])
	}
	opts, _ := gotBody["stream_options"].(map[string]any)
	if opts["include_usage"] != true {
		t.Errorf("stream_options = %v", gotBody["stream_options"])
	}
}

func TestAdapter_CompleteStream_Truncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
	}))
	defer server.Close()

	a := New("openai", "k", server.URL, server.Client())
	chunks, terminal := collect(t, a.CompleteStream(context.Background(), domain.ChatRequest{}, domain.ModelDescriptor{Name: "gpt-4o"}))

	if len(chunks) != 1 {
		t.Errorf("got %d chunks, want 1", len(chunks))
	}
	if terminal.Kind != domain.StreamItemError || !errors.Is(terminal.Err, domain.ErrUpstream) {
		t.Errorf("terminal = %+v, want upstream error", terminal)
	}
}

func TestAdapter_CompleteStream_InBandError(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		wantMsg string
	}{
		{"object", `{"error":{"message":"model overloaded","type":"server_error"}}`, "server_error: model overloaded"},
		{"string", `{"error":"model overloaded"}`, "model overloaded"},
		{"empty object", `{"error":{}}`, "stream error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n")
				fmt.Fprintf(w, "data: %s\n\n", tt.event)
				fmt.Fprint(w, "data: [DONE]\n\n")
			}))
			defer server.Close()

			a := New("deepseek", "k", server.URL, server.Client())
			chunks, terminal := collect(t, a.CompleteStream(context.Background(), domain.ChatRequest{}, domain.ModelDescriptor{Name: "deepseek-chat"}))

			if len(chunks) != 1 || chunks[0].ID != "c1" {
				t.Errorf("chunks = %+v, want only the role chunk", chunks)
			}
			if terminal.Kind != domain.StreamItemError {
				t.Fatalf("terminal = %+v, want error", terminal)
			}

			var upstream *domain.UpstreamError
			if !errors.As(terminal.Err, &upstream) || upstream.Provider != "deepseek" {
				t.Fatalf("err = %v, want UpstreamError from deepseek", terminal.Err)
			}
			if !strings.Contains(terminal.Err.Error(), tt.wantMsg) {
				t.Errorf("err = %v, want %q", terminal.Err, tt.wantMsg)
			}
			if got := domain.HTTPStatus(terminal.Err); got != http.StatusBadGateway {
				t.Errorf("HTTPStatus = %d, want 502", got)
			}
		})
	}
}

func TestAdapter_CompleteStream_SkipsEmptyEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: {}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":2,\"completion_tokens\":1,\"total_tokens\":3}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	a := New("openai", "k", server.URL, server.Client())
	chunks, terminal := collect(t, a.CompleteStream(context.Background(), domain.ChatRequest{}, domain.ModelDescriptor{Name: "gpt-4o"}))

	if terminal.Kind != domain.StreamItemDone {
		t.Fatalf("terminal = %+v, want done", terminal)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[1].Usage == nil || chunks[1].Usage.TotalTokens != 3 {
		t.Errorf("usage chunk = %+v", chunks[1])
	}
}

func TestAdapter_CompleteStream_UpstreamStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	a := New("openai", "k", server.URL, server.Client())
	chunks, terminal := collect(t, a.CompleteStream(context.Background(), domain.ChatRequest{}, domain.ModelDescriptor{Name: "gpt-4o"}))

	if len(chunks) != 0 {
		t.Errorf("got %d chunks before the error", len(chunks))
	}
	if got := domain.HTTPStatus(terminal.Err); got != http.StatusUnauthorized {
		t.Errorf("HTTPStatus = %d, want 401", got)
	}
}

func TestAdapter_HealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"healthy", http.StatusOK, false},
		{"unhealthy", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/models" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := New("openai", "k", server.URL, server.Client()).HealthCheck(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("HealthCheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
