// Package bedrock serves Anthropic models through AWS Bedrock runtime.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/provider/anthropic"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// Client is the subset of the Bedrock runtime client the adapter calls.
type Client interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

type Adapter struct {
	client Client
}

func New(ctx context.Context, region string) (*Adapter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Adapter {
	return &Adapter{client: bedrockruntime.NewFromConfig(cfg)}
}

func NewWithClient(client Client) *Adapter {
	return &Adapter{client: client}
}

var modelIDs = map[string]string{
	"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-opus":     "anthropic.claude-3-opus-20240229-v1:0",
	"claude-3-sonnet":   "anthropic.claude-3-sonnet-20240229-v1:0",
	"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
}

// ModelID resolves the Bedrock model id. An explicit descriptor endpoint
// wins over the built-in short names.
func ModelID(model domain.ModelDescriptor) string {
	if model.Endpoint != "" {
		return model.Endpoint
	}
	if id, ok := modelIDs[model.Name]; ok {
		return id
	}
	return model.Name
}

func requestBody(req domain.ChatRequest, model domain.ModelDescriptor) ([]byte, error) {
	msgReq := anthropic.BuildRequest(req, model)
	msgReq.AnthropicVersion = bedrockAnthropicVersion

	body, err := json.Marshal(msgReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (a *Adapter) Complete(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor) (*domain.ChatResponse, error) {
	body, err := requestBody(req, model)
	if err != nil {
		return nil, err
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(ModelID(model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, invokeError(err)
	}

	var resp anthropic.MessagesResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, &domain.UpstreamError{Provider: "bedrock", Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	return anthropic.ToChatResponse(resp, model.Name, time.Now()), nil
}

func (a *Adapter) CompleteStream(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor) <-chan domain.StreamItem {
	stream, items := provider.NewStream(ctx)

	go func() {
		body, err := requestBody(req, model)
		if err != nil {
			stream.Fail(err)
			return
		}

		output, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(ModelID(model)),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			stream.Fail(invokeError(err))
			return
		}

		events := output.GetStream()
		defer events.Close()

		state := anthropic.NewStreamState("bedrock", model.Name, time.Now())
		for event := range events.Events() {
			v, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			chunks, done, err := state.Handle(v.Value.Bytes)
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

		if err := events.Err(); err != nil {
			stream.Fail(invokeError(err))
			return
		}
		stream.Fail(&domain.UpstreamError{Provider: "bedrock", Err: errors.New("stream ended before message_stop")})
	}()

	return items
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	return nil
}

// invokeError keeps the HTTP status of AWS API errors so callers can mirror it.
func invokeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("bedrock invoke: %w", err)
	}
	upErr := &domain.UpstreamError{Provider: "bedrock", Err: err}
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		upErr.StatusCode = withStatus.HTTPStatusCode()
	}
	return upErr
}
