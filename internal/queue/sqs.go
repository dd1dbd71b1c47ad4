// Package queue publishes usage records to SQS for downstream billing.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// SQSAPI is the part of the SQS client in use.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSUsageLog appends usage records as SQS messages. On FIFO queues the
// record id doubles as the deduplication id, so retried appends collapse.
type SQSUsageLog struct {
	client   SQSAPI
	queueURL string
	fifo     bool
}

func NewSQSUsageLog(ctx context.Context, region, queueURL string) (*SQSUsageLog, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSUsageLogWithClient(sqs.NewFromConfig(cfg), queueURL), nil
}

func NewSQSUsageLogWithClient(client SQSAPI, queueURL string) *SQSUsageLog {
	return &SQSUsageLog{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

func (q *SQSUsageLog) Append(ctx context.Context, rec domain.UsageRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.RequestID),
			},
			"RequestType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.RequestType),
			},
			"StatusCode": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(rec.StatusCode)),
			},
		},
	}
	if rec.UserID != nil {
		input.MessageAttributes["UserID"] = types.MessageAttributeValue{
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.FormatInt(*rec.UserID, 10)),
		}
	}
	if q.fifo {
		group := "anonymous"
		if rec.UserID != nil {
			group = "user-" + strconv.FormatInt(*rec.UserID, 10)
		}
		input.MessageGroupId = aws.String(group)
		input.MessageDeduplicationId = aws.String(rec.ID.String())
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage record: %w", err)
	}
	return nil
}
