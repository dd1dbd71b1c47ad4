// Package openai adapts OpenAI-compatible chat completion APIs, including
// DeepSeek.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/sse"
)

type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New returns an adapter reporting itself as name. baseURL is used when the
// model descriptor carries no endpoint.
func New(name, apiKey, baseURL string, client *http.Client) *Adapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type chatRequest struct {
	domain.ChatRequest
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// streamEvent is one stream payload: a chunk, or an error sent by the
// backend after the response has started. The error is an object on OpenAI
// and a bare string on some compatible servers.
type streamEvent struct {
	domain.StreamChunk
	Error json.RawMessage `json:"error,omitempty"`
}

type streamError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (e streamEvent) failed() bool {
	return len(e.Error) > 0 && string(e.Error) != "null"
}

func (e streamEvent) err(provider string) error {
	var detail streamError
	if err := json.Unmarshal(e.Error, &detail); err != nil {
		json.Unmarshal(e.Error, &detail.Message)
	}
	msg := detail.Message
	if msg == "" {
		msg = "stream error"
	}
	if detail.Type != "" {
		msg = detail.Type + ": " + msg
	}
	return &domain.UpstreamError{Provider: provider, Err: errors.New(msg)}
}

func (a *Adapter) endpoint(model domain.ModelDescriptor) string {
	return provider.Endpoint(model, a.baseURL+"/chat/completions")
}

func (a *Adapter) newRequest(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor, stream bool) (*http.Request, error) {
	req.Model = model.Name
	req.Stream = stream
	payload := chatRequest{ChatRequest: req}
	if stream {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
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
		return nil, provider.TransportError(a.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.UpstreamError(a.name, resp)
	}

	var chatResp domain.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &domain.UpstreamError{Provider: a.name, Err: fmt.Errorf("decode response: %w", err)}
	}

	return &chatResp, nil
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
			stream.Fail(provider.TransportError(a.name, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			stream.Fail(provider.UpstreamError(a.name, resp))
			return
		}

		reader := sse.NewReader(resp.Body)
		for {
			ev, err := reader.Next()
			if err != nil {
				stream.Fail(provider.TransportError(a.name, err))
				return
			}
			if ev == nil {
				// Body ended without the sentinel.
				stream.Fail(&domain.UpstreamError{Provider: a.name, Err: fmt.Errorf("stream ended unexpectedly")})
				return
			}
			if ev.Data == sse.DoneData {
				stream.Done()
				return
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
				continue
			}
			if event.failed() {
				stream.Fail(event.err(a.name))
				return
			}
			// The usage-only chunk has no choices; anything else without
			// choices carries nothing to relay.
			if len(event.Choices) == 0 && event.Usage == nil {
				continue
			}

			if !stream.Send(event.StreamChunk) {
				stream.Fail(ctx.Err())
				return
			}
		}
	}()

	return items
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s unhealthy: status=%d", a.name, resp.StatusCode)
	}

	return nil
}
