package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

const DefaultBaseURL = "http://localhost:11434"

type Adapter struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, client *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (a *Adapter) post(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor, stream bool) (*http.Response, error) {
	body, err := json.Marshal(toOllamaRequest(req, model.Name, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := provider.Endpoint(model, a.baseURL+"/api/chat")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError("ollama", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.UpstreamError("ollama", resp)
	}
	return resp, nil
}

func (a *Adapter) Complete(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor) (*domain.ChatResponse, error) {
	resp, err := a.post(ctx, req, model, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ollamaResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, &domain.UpstreamError{Provider: "ollama", Err: fmt.Errorf("decode response: %w", err)}
	}

	role := ollamaResp.Message.Role
	if role == "" {
		role = "assistant"
	}

	return &domain.ChatResponse{
		ID:      provider.CompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model.Name,
		Choices: []domain.Choice{
			{
				Index:        0,
				Message:      &domain.Message{Role: role, Content: ollamaResp.Message.Content},
				FinishReason: domain.FinishReason(finishReason(ollamaResp.DoneReason)),
			},
		},
		Usage: ollamaResp.usage(),
	}, nil
}

// CompleteStream reads the newline-delimited JSON stream of /api/chat.
func (a *Adapter) CompleteStream(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor) <-chan domain.StreamItem {
	stream, items := provider.NewStream(ctx)

	go func() {
		resp, err := a.post(ctx, req, model, true)
		if err != nil {
			stream.Fail(err)
			return
		}
		defer resp.Body.Close()

		id, created := provider.CompletionID(), time.Now().Unix()
		if !stream.Send(provider.Chunk(id, model.Name, created, domain.Delta{Role: "assistant"}, "")) {
			stream.Fail(ctx.Err())
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				stream.Fail(&domain.UpstreamError{Provider: "ollama", Err: fmt.Errorf("%s", chunk.Error)})
				return
			}

			if chunk.Message.Content != "" {
				if !stream.Send(provider.Chunk(id, model.Name, created, domain.Delta{Content: chunk.Message.Content}, "")) {
					stream.Fail(ctx.Err())
					return
				}
			}

			if chunk.Done {
				final := provider.Chunk(id, model.Name, created, domain.Delta{}, finishReason(chunk.DoneReason))
				usage := chunk.usage()
				final.Usage = &usage
				if !stream.Send(final) {
					stream.Fail(ctx.Err())
					return
				}
				stream.Done()
				return
			}
		}

		if err := scanner.Err(); err != nil {
			stream.Fail(provider.TransportError("ollama", err))
			return
		}
		stream.Fail(&domain.UpstreamError{Provider: "ollama", Err: fmt.Errorf("stream ended before done")})
	}()

	return items
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama unhealthy: status=%d", resp.StatusCode)
	}

	return nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	NumPredict       int      `json:"num_predict,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

func (r ollamaChatResponse) usage() domain.Usage {
	return domain.Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
		TotalTokens:      r.PromptEvalCount + r.EvalCount,
	}
}

func toOllamaRequest(req domain.ChatRequest, model string, stream bool) ollamaChatRequest {
	messages := make([]ollamaMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ollamaMessage{Role: m.Role, Content: m.Content}
	}

	ollamaReq := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil ||
		req.FrequencyPenalty != nil || req.PresencePenalty != nil || len(req.Stop) > 0 {
		opts := &ollamaOptions{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
			Stop:             req.Stop,
		}
		if req.MaxTokens != nil {
			opts.NumPredict = *req.MaxTokens
		}
		ollamaReq.Options = opts
	}

	return ollamaReq
}

func finishReason(doneReason string) string {
	if doneReason == "length" {
		return "length"
	}
	return "stop"
}
