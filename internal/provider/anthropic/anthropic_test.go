package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func intPtr(v int) *int { return &v }

func TestBuildRequest(t *testing.T) {
	req := domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
			{Role: "system", Content: "be kind"},
			{Role: "assistant", Content: "hi"},
		},
		Stop: domain.StopSequences{"END"},
	}

	tests := []struct {
		name      string
		maxTokens *int
		model     domain.ModelDescriptor
		want      int
	}{
		{"default", nil, domain.ModelDescriptor{}, defaultMaxTokens},
		{"descriptor", nil, domain.ModelDescriptor{MaxTokens: 1024}, 1024},
		{"request wins", intPtr(64), domain.ModelDescriptor{MaxTokens: 1024}, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := req
			r.MaxTokens = tt.maxTokens
			got := BuildRequest(r, tt.model)

			if got.MaxTokens != tt.want {
				t.Errorf("MaxTokens = %d, want %d", got.MaxTokens, tt.want)
			}
			if got.System != "be brief\n\nbe kind" {
				t.Errorf("System = %q", got.System)
			}
			if len(got.Messages) != 2 || got.Messages[0].Role != "user" || got.Messages[1].Role != "assistant" {
				t.Errorf("Messages = %+v", got.Messages)
			}
			if len(got.StopSequences) != 1 || got.StopSequences[0] != "END" {
				t.Errorf("StopSequences = %v", got.StopSequences)
			}
		})
	}
}

func TestMapStopReason(t *testing.T) {
	tests := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_use",
	}
	for in, want := range tests {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAdapter_Complete(t *testing.T) {
	var gotKey, gotVersion, gotPath string
	var gotBody MessagesRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)

		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant",
			"content":[{"type":"text","text":"Hello "},{"type":"text","text":"there"}],
			"stop_reason":"max_tokens","usage":{"input_tokens":10,"output_tokens":5}}`)
	}))
	defer server.Close()

	a := New("sk-ant", server.URL, server.Client())
	resp, err := a.Complete(context.Background(), domain.ChatRequest{
		Model:    "claude-3-sonnet",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	}, domain.ModelDescriptor{Name: "claude-3-sonnet-20240229", Provider: "anthropic"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if gotPath != "/messages" || gotKey != "sk-ant" || gotVersion != anthropicVersion {
		t.Errorf("request path=%s key=%s version=%s", gotPath, gotKey, gotVersion)
	}
	if gotBody.Model != "claude-3-sonnet-20240229" {
		t.Errorf("upstream model = %s", gotBody.Model)
	}

	if resp.Object != "chat.completion" || resp.Model != "claude-3-sonnet-20240229" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Choices[0].Message.Content != "Hello there" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if *resp.Choices[0].FinishReason != "length" {
		t.Errorf("finish_reason = %s", *resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAdapter_Complete_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error"}}`)
	}))
	defer server.Close()

	_, err := New("k", server.URL, server.Client()).Complete(context.Background(), domain.ChatRequest{}, domain.ModelDescriptor{Name: "claude-3"})
	if got := domain.HTTPStatus(err); got != 529 {
		t.Errorf("HTTPStatus = %d, want 529", got)
	}
}

const streamBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_7","usage":{"input_tokens":12,"output_tokens":0}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: ping
data: {"type":"ping"}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAdapter_CompleteStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, streamBody)
	}))
	defer server.Close()

	items := New("k", server.URL, server.Client()).CompleteStream(context.Background(), domain.ChatRequest{}, domain.ModelDescriptor{Name: "claude-3"})

	var chunks []domain.StreamChunk
	var terminal domain.StreamItem
	for item := range items {
		if item.Terminal() {
			terminal = item
			continue
		}
		chunks = append(chunks, item.Chunk)
	}

	if terminal.Kind != domain.StreamItemDone {
		t.Fatalf("terminal = %+v", terminal)
	}
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want role + 2 deltas + finish", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" || chunks[0].ID != "msg_7" {
		t.Errorf("first chunk = %+v", chunks[0])
	}

	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c.Content())
	}
	if text.String() != "Hi there" {
		t.Errorf("text = %q", text.String())
	}

	last := chunks[3]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Errorf("finish chunk = %+v", last.Choices[0])
	}
	if last.Usage == nil || last.Usage.PromptTokens != 12 || last.Usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v", last.Usage)
	}
}

func TestStreamState_Error(t *testing.T) {
	s := NewStreamState("bedrock", "claude-3", time.Unix(0, 0))
	_, _, err := s.Handle([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))

	var upErr *domain.UpstreamError
	if !errors.As(err, &upErr) || upErr.Provider != "bedrock" {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(err.Error(), "busy") {
		t.Errorf("error = %v", err)
	}
}

func TestStreamState_IgnoresUnknown(t *testing.T) {
	s := NewStreamState("anthropic", "claude-3", time.Unix(0, 0))
	for _, data := range []string{`{"type":"ping"}`, `garbage`, `{"type":"content_block_stop"}`} {
		chunks, done, err := s.Handle([]byte(data))
		if len(chunks) != 0 || done || err != nil {
			t.Errorf("Handle(%s) = %v, %v, %v", data, chunks, done, err)
		}
	}
}
