// Package provider holds helpers shared by the model backend adapters.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/google/uuid"
)

const maxErrorBody = 1 << 20

// Stream is the producing side of an adapter stream. Exactly one of Done or
// Fail must be called; it delivers the terminal item and closes the channel.
type Stream struct {
	ctx context.Context
	ch  chan domain.StreamItem
}

func NewStream(ctx context.Context) (*Stream, <-chan domain.StreamItem) {
	ch := make(chan domain.StreamItem, 16)
	return &Stream{ctx: ctx, ch: ch}, ch
}

// Send delivers a chunk. It returns false once the context is done.
func (s *Stream) Send(chunk domain.StreamChunk) bool {
	select {
	case s.ch <- domain.ChunkItem(chunk):
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Stream) Done() { s.finish(domain.DoneItem()) }

func (s *Stream) Fail(err error) { s.finish(domain.ErrorItem(err)) }

func (s *Stream) finish(item domain.StreamItem) {
	defer close(s.ch)
	select {
	case s.ch <- item:
	case <-s.ctx.Done():
		// Still deliver to a consumer that is receiving.
		select {
		case s.ch <- item:
		default:
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpstreamError captures a non-success response with its body.
func UpstreamError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &domain.UpstreamError{
		Provider:    provider,
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}
}

// TransportError wraps a failure to reach the backend. Context errors pass
// through so callers can tell timeouts from outages.
func TransportError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	return &domain.UpstreamError{Provider: provider, Err: err}
}

// CompletionID returns an id in the chatcmpl-<hex> form.
func CompletionID() string {
	return "chatcmpl-" + uuid.NewString()[:8]
}

// Endpoint returns the descriptor's endpoint override or the fallback.
func Endpoint(model domain.ModelDescriptor, fallback string) string {
	if model.Endpoint != "" {
		return model.Endpoint
	}
	return fallback
}

// Chunk builds a single-choice stream chunk.
func Chunk(id, model string, created int64, delta domain.Delta, finish string) domain.StreamChunk {
	choice := domain.Choice{Index: 0, Delta: &delta}
	if finish != "" {
		choice.FinishReason = domain.FinishReason(finish)
	}
	return domain.StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []domain.Choice{choice},
	}
}
