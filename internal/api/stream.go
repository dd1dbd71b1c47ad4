package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/router"
	"github.com/felipepmaragno/llm-gateway/internal/sse"
)

// relay forwards an adapter stream to the client as server-sent events.
//
// Headers are committed on the first item, so an adapter that fails before
// producing anything gets an ordinary error response with its status. After
// that, failures become one in-band error event. Every committed stream ends
// with the [DONE] sentinel.
func (o *Orchestrator) relay(ctx context.Context, w http.ResponseWriter, ex *exchange, req domain.ChatRequest, desc domain.ModelDescriptor, adapter router.Adapter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		o.fail(w, ex, fmt.Errorf("%w: streaming not supported", domain.ErrInternal))
		return
	}

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	upstreamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	items := adapter.CompleteStream(upstreamCtx, req, desc)

	idle := time.NewTimer(o.idle)
	defer idle.Stop()

	var (
		started  bool
		text     strings.Builder
		upstream *domain.Usage
	)

	finish := func() {
		if upstream != nil && upstream.TotalTokens > 0 {
			ex.usage = *upstream
			return
		}
		ex.usage = estimateUsage(adapter, req.Messages, text.String())
	}

	abort := func(err error) {
		cancel()
		metrics.RecordProviderError(desc.Provider, domain.ErrorCode(err))
		if !started {
			o.fail(w, ex, err)
			return
		}
		ex.err = err
		ex.status = domain.HTTPStatus(err)
		sse.WriteData(w, errorBody(err))
		sse.WriteDone(w)
		flusher.Flush()
		finish()
	}

	for {
		select {
		case <-ctx.Done():
			o.clientGone(ex)
			finish()
			return

		case <-idle.C:
			abort(fmt.Errorf("%w: no stream data for %s", domain.ErrUpstreamTimeout, o.idle))
			return

		case item, ok := <-items:
			if !ok {
				item = domain.ErrorItem(&domain.UpstreamError{Provider: desc.Provider, Err: errors.New("stream closed without a terminal event")})
			}
			idle.Reset(o.idle)

			switch item.Kind {
			case domain.StreamItemChunk:
				if !started {
					writeStreamHeaders(w)
					started = true
					ex.status = http.StatusOK
				}
				text.WriteString(item.Chunk.Content())
				if item.Chunk.Usage != nil {
					upstream = item.Chunk.Usage
				}
				if err := sse.WriteData(w, item.Chunk); err != nil {
					o.clientGone(ex)
					finish()
					return
				}
				flusher.Flush()

			case domain.StreamItemDone:
				if !started {
					writeStreamHeaders(w)
					ex.status = http.StatusOK
				}
				sse.WriteDone(w)
				flusher.Flush()
				finish()
				return

			case domain.StreamItemError:
				if ctx.Err() != nil {
					o.clientGone(ex)
					finish()
					return
				}
				abort(item.Err)
				return
			}
		}
	}
}

func writeStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}
