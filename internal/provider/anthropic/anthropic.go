// Package anthropic adapts the Anthropic Messages API. The request and event
// translation is shared with the Bedrock adapter.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/sse"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string, client *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (a *Adapter) newRequest(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor, stream bool) (*http.Request, error) {
	msgReq := BuildRequest(req, model)
	msgReq.Model = model.Name
	msgReq.Stream = stream

	body, err := json.Marshal(msgReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := provider.Endpoint(model, a.baseURL+"/messages")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (a *Adapter) Complete(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor) (*domain.ChatResponse, error) {
	httpReq, err := a.newRequest(ctx, req, model, false)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError("anthropic", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.UpstreamError("anthropic", resp)
	}

	var msgResp MessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, &domain.UpstreamError{Provider: "anthropic", Err: fmt.Errorf("decode response: %w", err)}
	}

	return ToChatResponse(msgResp, model.Name, time.Now()), nil
}

func (a *Adapter) CompleteStream(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor) <-chan domain.StreamItem {
	stream, items := provider.NewStream(ctx)

	go func() {
		httpReq, err := a.newRequest(ctx, req, model, true)
		if err != nil {
			stream.Fail(err)
			return
		}

		resp, err := a.client.Do(httpReq)
		if err != nil {
			stream.Fail(provider.TransportError("anthropic", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			stream.Fail(provider.UpstreamError("anthropic", resp))
			return
		}

		state := NewStreamState("anthropic", model.Name, time.Now())
		reader := sse.NewReader(resp.Body)
		for {
			ev, err := reader.Next()
			if err != nil {
				stream.Fail(provider.TransportError("anthropic", err))
				return
			}
			if ev == nil {
				stream.Fail(&domain.UpstreamError{Provider: "anthropic", Err: fmt.Errorf("stream ended before message_stop")})
				return
			}

			chunks, done, err := state.Handle([]byte(ev.Data))
			if err != nil {
				stream.Fail(err)
				return
			}
			for _, c := range chunks {
				if !stream.Send(c) {
					stream.Fail(ctx.Err())
					return
				}
			}
			if done {
				stream.Done()
				return
			}
		}
	}()

	return items
}

type MessagesRequest struct {
	AnthropicVersion string    `json:"anthropic_version,omitempty"`
	Model            string    `json:"model,omitempty"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens"`
	Stream           bool      `json:"stream,omitempty"`
	System           string    `json:"system,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	StopSequences    []string  `json:"stop_sequences,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// BuildRequest translates a chat request. System messages are joined into
// the top-level system prompt.
func BuildRequest(req domain.ChatRequest, model domain.ModelDescriptor) MessagesRequest {
	var system []string
	messages := make([]Message, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, Message{Role: m.Role, Content: m.Content})
	}

	maxTokens := defaultMaxTokens
	if model.MaxTokens > 0 {
		maxTokens = model.MaxTokens
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	return MessagesRequest{
		Messages:      messages,
		MaxTokens:     maxTokens,
		System:        strings.Join(system, "\n\n"),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
}

func ToChatResponse(resp MessagesResponse, model string, now time.Time) *domain.ChatResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &domain.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Message:      &domain.Message{Role: "assistant", Content: content.String()},
				FinishReason: domain.FinishReason(mapStopReason(resp.StopReason)),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string `json:"id"`
		Usage usage  `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *usage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StreamState turns Messages stream events into chat completion chunks.
type StreamState struct {
	provider    string
	model       string
	id          string
	created     int64
	inputTokens int
}

func NewStreamState(providerName, model string, now time.Time) *StreamState {
	return &StreamState{provider: providerName, model: model, id: provider.CompletionID(), created: now.Unix()}
}

// Handle consumes one event payload. done is true after message_stop.
func (s *StreamState) Handle(data []byte) (chunks []domain.StreamChunk, done bool, err error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, nil
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			if ev.Message.ID != "" {
				s.id = ev.Message.ID
			}
			s.inputTokens = ev.Message.Usage.InputTokens
		}
		return []domain.StreamChunk{provider.Chunk(s.id, s.model, s.created, domain.Delta{Role: "assistant"}, "")}, false, nil

	case "content_block_delta":
		if ev.Delta == nil || ev.Delta.Text == "" {
			return nil, false, nil
		}
		return []domain.StreamChunk{provider.Chunk(s.id, s.model, s.created, domain.Delta{Content: ev.Delta.Text}, "")}, false, nil

	case "message_delta":
		if ev.Delta == nil || ev.Delta.StopReason == "" {
			return nil, false, nil
		}
		c := provider.Chunk(s.id, s.model, s.created, domain.Delta{}, mapStopReason(ev.Delta.StopReason))
		if ev.Usage != nil {
			c.Usage = &domain.Usage{
				PromptTokens:     s.inputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      s.inputTokens + ev.Usage.OutputTokens,
			}
		}
		return []domain.StreamChunk{c}, false, nil

	case "message_stop":
		return nil, true, nil

	case "error":
		msg := "stream error"
		if ev.Error != nil {
			msg = ev.Error.Type + ": " + ev.Error.Message
		}
		return nil, false, &domain.UpstreamError{Provider: s.provider, Err: fmt.Errorf("%s", msg)}
	}

	return nil, false, nil
}
