package ollama

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

func TestToOllamaRequest(t *testing.T) {
	temp := 0.2
	max := 50
	req := domain.ChatRequest{
		Model:       "alias",
		Messages:    []domain.Message{{Role: "user", Content: "hi"}},
		Temperature: &temp,
		MaxTokens:   &max,
		Stop:        domain.StopSequences{"\n"},
	}

	got := toOllamaRequest(req, "llama3:8b", true)
	if got.Model != "llama3:8b" || !got.Stream {
		t.Errorf("got %+v", got)
	}
	if got.Options == nil || *got.Options.Temperature != 0.2 || got.Options.NumPredict != 50 || got.Options.Stop[0] != "\n" {
		t.Errorf("options = %+v", got.Options)
	}

	plain := toOllamaRequest(domain.ChatRequest{}, "llama3", false)
	if plain.Options != nil {
		t.Errorf("options set without sampling params: %+v", plain.Options)
	}
}

func TestAdapter_Complete(t *testing.T) {
	var body ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"Hello"},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":2}`)
	}))
	defer server.Close()

	resp, err := New(server.URL, server.Client()).Complete(context.Background(),
		domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}},
		domain.ModelDescriptor{Name: "llama3", Provider: "ollama"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if body.Stream {
		t.Error("non-streaming request sent stream=true")
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("ID = %s", resp.ID)
	}
	if resp.Choices[0].Message.Content != "Hello" || *resp.Choices[0].FinishReason != "stop" {
		t.Errorf("choice = %+v", resp.Choices[0])
	}
	if resp.Usage.TotalTokens != 9 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAdapter_Complete_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'llama9' not found"}`)
	}))
	defer server.Close()

	_, err := New(server.URL, server.Client()).Complete(context.Background(), domain.ChatRequest{}, domain.ModelDescriptor{Name: "llama9"})

	var upErr *domain.UpstreamError
	if !errors.As(err, &upErr) || upErr.StatusCode != http.StatusNotFound {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(string(upErr.Body), "not found") {
		t.Errorf("body = %s", upErr.Body)
	}
}

func TestAdapter_CompleteStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"length","prompt_eval_count":4,"eval_count":2}`)
	}))
	defer server.Close()

	items := New(server.URL, server.Client()).CompleteStream(context.Background(), domain.ChatRequest{}, domain.ModelDescriptor{Name: "llama3"})

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
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	if chunks[1].Content()+chunks[2].Content() != "Hello" {
		t.Errorf("content = %q %q", chunks[1].Content(), chunks[2].Content())
	}
	final := chunks[3]
	if *final.Choices[0].FinishReason != "length" || final.Usage.TotalTokens != 6 {
		t.Errorf("final = %+v usage=%+v", final.Choices[0], final.Usage)
	}
}

func TestAdapter_CompleteStream_ErrorLine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
		fmt.Fprintln(w, `{"error":"out of memory"}`)
	}))
	defer server.Close()

	var terminal domain.StreamItem
	for item := range New(server.URL, server.Client()).CompleteStream(context.Background(), domain.ChatRequest{}, domain.ModelDescriptor{Name: "llama3"}) {
		terminal = item
	}

	if terminal.Kind != domain.StreamItemError || !strings.Contains(terminal.Err.Error(), "out of memory") {
		t.Errorf("terminal = %+v", terminal)
	}
}
