package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	RequestTypeChat       = "chat"
	RequestTypeChatStream = "chat_stream"
)

// Principal is the caller identity resolved for a single request.
type Principal struct {
	UserID   int64
	APIKeyID *int64
	ScopeKey string
}

// NewPrincipal builds a principal whose scope key prefers the API key over
// the user.
func NewPrincipal(userID int64, apiKeyID *int64) *Principal {
	p := &Principal{UserID: userID, APIKeyID: apiKeyID}
	if apiKeyID != nil {
		p.ScopeKey = fmt.Sprintf("api_key:%d", *apiKeyID)
	} else {
		p.ScopeKey = fmt.Sprintf("user:%d", userID)
	}
	return p
}

type User struct {
	ID        int64
	Username  string
	Email     string
	IsActive  bool
	CreatedAt time.Time
}

type APIKey struct {
	ID         int64
	UserID     int64
	Name       string
	KeyPrefix  string
	KeyHash    string
	IsActive   bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	UsageCount int64
	CreatedAt  time.Time
}

// Expired reports whether the key has an expiry at or before now.
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

type ModelDescriptor struct {
	ID          int64
	Name        string
	DisplayName string
	Provider    string
	Endpoint    string
	IsActive    bool
	MaxTokens   int
	Priority    int
}

type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []Message     `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stop             StopSequences `json:"stop,omitempty"`
	User             string        `json:"user,omitempty"`
}

// StopSequences accepts either a single string or a list of strings.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StopSequences{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("stop must be a string or a list of strings: %w", err)
	}
	*s = list
	return nil
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason"`
}

type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Content concatenates the delta content of every choice in the chunk.
func (c StreamChunk) Content() string {
	var out string
	for _, ch := range c.Choices {
		if ch.Delta != nil {
			out += ch.Delta.Content
		}
	}
	return out
}

type StreamItemKind int

const (
	StreamItemChunk StreamItemKind = iota
	StreamItemError
	StreamItemDone
)

// StreamItem is one element of an adapter stream. A stream yields any number
// of chunks followed by exactly one Error or Done item.
type StreamItem struct {
	Kind  StreamItemKind
	Chunk StreamChunk
	Err   error
}

func ChunkItem(c StreamChunk) StreamItem { return StreamItem{Kind: StreamItemChunk, Chunk: c} }

func ErrorItem(err error) StreamItem { return StreamItem{Kind: StreamItemError, Err: err} }

func DoneItem() StreamItem { return StreamItem{Kind: StreamItemDone} }

func (i StreamItem) Terminal() bool { return i.Kind != StreamItemChunk }

// FinishReason returns a pointer usable in Choice.FinishReason.
func FinishReason(reason string) *string { return &reason }

type UsageRecord struct {
	ID               uuid.UUID `json:"id"`
	RequestID        string    `json:"request_id"`
	UserID           *int64    `json:"user_id,omitempty"`
	APIKeyID         *int64    `json:"api_key_id,omitempty"`
	ModelID          *int64    `json:"model_id,omitempty"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider,omitempty"`
	RequestType      string    `json:"request_type"`
	StatusCode       int       `json:"status_code"`
	LatencyMs        int64     `json:"latency_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	IPAddress        string    `json:"ip_address,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type ModelInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	OwnedBy     string `json:"owned_by"`
	DisplayName string `json:"display_name,omitempty"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}

type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}
