package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/google/uuid"
)

type MockSQS struct {
	inputs          []*sqs.SendMessageInput
	SendMessageFunc func(ctx context.Context, params *sqs.SendMessageInput) (*sqs.SendMessageOutput, error)
}

func (m *MockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.SendMessageFunc != nil {
		return m.SendMessageFunc(ctx, params)
	}
	return &sqs.SendMessageOutput{}, nil
}

func record() domain.UsageRecord {
	userID := int64(7)
	return domain.UsageRecord{
		ID:          uuid.New(),
		RequestID:   "req-1",
		UserID:      &userID,
		Model:       "deepseek-chat",
		Provider:    "mock",
		RequestType: domain.RequestTypeChat,
		StatusCode:  200,
		TotalTokens: 12,
	}
}

func TestSQSUsageLog_Append(t *testing.T) {
	client := &MockSQS{}
	log := NewSQSUsageLogWithClient(client, "https://sqs.us-east-1.amazonaws.com/123/usage")
	rec := record()

	if err := log.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(client.inputs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(client.inputs))
	}

	in := client.inputs[0]
	var got domain.UsageRecord
	if err := json.Unmarshal([]byte(*in.MessageBody), &got); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if got.ID != rec.ID || got.TotalTokens != 12 {
		t.Errorf("body = %+v", got)
	}
	if *in.MessageAttributes["UserID"].StringValue != "7" {
		t.Errorf("UserID attribute = %v", in.MessageAttributes["UserID"])
	}
	if *in.MessageAttributes["StatusCode"].StringValue != "200" {
		t.Errorf("StatusCode attribute = %v", in.MessageAttributes["StatusCode"])
	}
	if in.MessageDeduplicationId != nil {
		t.Error("dedup id set on a standard queue")
	}
}

func TestSQSUsageLog_AppendFIFO(t *testing.T) {
	client := &MockSQS{}
	log := NewSQSUsageLogWithClient(client, "https://sqs.us-east-1.amazonaws.com/123/usage.fifo")

	rec := record()
	rec.UserID = nil
	if err := log.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	in := client.inputs[0]
	if in.MessageDeduplicationId == nil || *in.MessageDeduplicationId != rec.ID.String() {
		t.Errorf("MessageDeduplicationId = %v", in.MessageDeduplicationId)
	}
	if *in.MessageGroupId != "anonymous" {
		t.Errorf("MessageGroupId = %s", *in.MessageGroupId)
	}
	if _, ok := in.MessageAttributes["UserID"]; ok {
		t.Error("UserID attribute set for an unauthenticated record")
	}
}

func TestSQSUsageLog_AppendError(t *testing.T) {
	sendErr := errors.New("throttled")
	client := &MockSQS{
		SendMessageFunc: func(ctx context.Context, params *sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
			return nil, sendErr
		},
	}

	err := NewSQSUsageLogWithClient(client, "q").Append(context.Background(), record())
	if !errors.Is(err, sendErr) {
		t.Errorf("Append() error = %v, want wrapped %v", err, sendErr)
	}
}
