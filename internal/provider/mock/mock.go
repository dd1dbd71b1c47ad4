// Package mock is a network-free adapter that answers with canned,
// deterministic text. It backs demo deployments and tests.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

type persona struct {
	intro        string
	capabilities []string
	latency      time.Duration
	codes        bool
}

var personas = map[string]persona{
	"gpt-4": {
		intro:        "I am GPT-4, a large language model with strong multi-step reasoning.",
		capabilities: []string{"programming", "math", "writing", "analysis", "translation", "summaries"},
		latency:      2 * time.Second,
		codes:        true,
	},
	"gpt-3.5-turbo": {
		intro:        "I am GPT-3.5 Turbo, a fast and efficient assistant.",
		capabilities: []string{"conversation", "Q&A", "text processing", "summaries"},
		latency:      time.Second,
	},
	"deepseek-coder": {
		intro:        "I am DeepSeek Coder, tuned for code generation, debugging and algorithm design.",
		capabilities: []string{"programming", "debugging", "code review", "architecture"},
		latency:      1400 * time.Millisecond,
		codes:        true,
	},
	"deepseek-chat": {
		intro:        "I am DeepSeek Chat, a conversational model focused on natural dialogue.",
		capabilities: []string{"conversation", "creative writing", "history", "everyday advice"},
		latency:      1200 * time.Millisecond,
	},
	"claude-3": {
		intro:        "I am Claude 3, an assistant focused on being helpful, honest and safe.",
		capabilities: []string{"analysis", "writing", "summaries", "reasoning"},
		latency:      1850 * time.Millisecond,
	},
}

func personaFor(model string) persona {
	if p, ok := personas[model]; ok {
		return p
	}
	best := ""
	for name := range personas {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return personas[best]
	}
	return persona{
		intro:        fmt.Sprintf("I am %s, happy to help!", model),
		capabilities: []string{"general conversation"},
		latency:      1250 * time.Millisecond,
	}
}

var templates = map[string][]string{
	"greeting": {
		"Hello! Glad to help. Tell me what you need and I will do my best.",
		"Welcome! I am your assistant and ready to help with whatever you are working on.",
		"Hi there! I handle all kinds of tasks. What can I do for you today?",
	},
	"programming": {
		"I can help you with:\n1. Writing and optimizing code\n2. Debugging errors\n3. Designing algorithms and data structures\n4. Reviewing and refactoring\n\nDescribe what you need.",
		"Happy to help with your programming question. Syntax errors, logic bugs or architecture, I can suggest a way forward.",
		"Programming is my strong suit. I work with Go, Python, JavaScript, Java, C++ and more. What problem are you facing?",
	},
	"analysis": {
		"I can provide in-depth analysis:\n- data analysis\n- trend forecasting\n- root cause analysis\n- option comparison\n\nShare what you would like analyzed.",
		"Analysis and reasoning are core strengths of mine. I can look at the problem from several angles and give you an objective view.",
		"Let me analyze this for you using logical reasoning and the data at hand.",
	},
	"creative": {
		"Creative work is a fun challenge! I can help with stories, concepts, brainstorming and copywriting.",
		"I am excited to join your creative project and bring a fresh perspective.",
		"Let us build something great together. I can bring new ideas to your project from several directions.",
	},
}

var keywords = []struct {
	topic string
	words []string
}{
	{"greeting", []string{"hello", "hi", "hey", "greetings"}},
	{"programming", []string{"programming", "code", "algorithm", "debug", "bug", "function"}},
	{"analysis", []string{"analyze", "analysis", "data", "statistics", "trend"}},
	{"creative", []string{"creative", "story", "poem", "write", "design"}},
	{"time", []string{"time", "date", "today", "now"}},
}

// Config controls simulated latency. The zero value answers immediately.
type Config struct {
	// SimulateLatency sleeps for the model persona's response time.
	SimulateLatency bool
	// ChunkDelay is the pause between streamed words.
	ChunkDelay time.Duration
	Now        func() time.Time
}

type Adapter struct {
	cfg Config
}

func New(cfg Config) *Adapter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Complete(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor) (*domain.ChatResponse, error) {
	p := personaFor(model.Name)
	if a.cfg.SimulateLatency {
		if err := provider.Sleep(ctx, p.latency); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := a.respond(req.Messages, p)
	prompt := PromptTokens(req.Messages)
	completion := textTokens(content)

	return &domain.ChatResponse{
		ID:      provider.CompletionID(),
		Object:  "chat.completion",
		Created: a.cfg.Now().Unix(),
		Model:   model.Name,
		Choices: []domain.Choice{
			{
				Index:        0,
				Message:      &domain.Message{Role: "assistant", Content: content},
				FinishReason: domain.FinishReason("stop"),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

func (a *Adapter) CompleteStream(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor) <-chan domain.StreamItem {
	stream, items := provider.NewStream(ctx)

	go func() {
		resp, err := a.Complete(ctx, req, model)
		if err != nil {
			stream.Fail(err)
			return
		}

		id, created := resp.ID, resp.Created
		if !stream.Send(provider.Chunk(id, model.Name, created, domain.Delta{Role: "assistant"}, "")) {
			stream.Fail(ctx.Err())
			return
		}

		words := strings.Fields(resp.Choices[0].Message.Content)
		for i, word := range words {
			if i > 0 {
				if err := provider.Sleep(ctx, a.cfg.ChunkDelay); err != nil {
					stream.Fail(err)
					return
				}
			}
			if i < len(words)-1 {
				word += " "
			}
			if !stream.Send(provider.Chunk(id, model.Name, created, domain.Delta{Content: word}, "")) {
				stream.Fail(ctx.Err())
				return
			}
		}

		if !stream.Send(provider.Chunk(id, model.Name, created, domain.Delta{}, "stop")) {
			stream.Fail(ctx.Err())
			return
		}
		stream.Done()
	}()

	return items
}

// EstimateTokens applies the same rule as reported usage so streamed and
// buffered requests account identically.
func (a *Adapter) EstimateTokens(text string) int {
	return textTokens(text)
}

func (a *Adapter) HealthCheck(ctx context.Context) error { return nil }

func (a *Adapter) respond(messages []domain.Message, p persona) string {
	last := lastUserMessage(messages)
	content := a.contextual(last, p)

	switch n := len(messages); {
	case n > 3:
		content = fmt.Sprintf("Based on our previous conversation, %s\n\nThis is round %d of our chat. Feel free to keep the questions coming.", content, n/2)
	case n == 3:
		content = "Continuing our discussion, " + content
	}
	return content
}

func (a *Adapter) contextual(message string, p persona) string {
	lower := strings.ToLower(message)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	has := func(candidates []string) bool {
		for _, w := range words {
			for _, c := range candidates {
				if w == c {
					return true
				}
			}
		}
		return false
	}

	for _, k := range keywords {
		if !has(k.words) {
			continue
		}
		switch k.topic {
		case "time":
			return fmt.Sprintf("%s\n\nThe current time is %s. Anything else time related I can help with?",
				p.intro, a.cfg.Now().UTC().Format("2006-01-02 15:04:05 MST"))
		case "programming":
			if !p.codes {
				return p.intro + "\n\nI am not a dedicated coding model, but I can still help with the basics."
			}
		}
		return pick(templates[k.topic], message)
	}

	generic := []string{
		fmt.Sprintf("About your question \"%s\", let me give you a detailed answer.\n\n%s\n\nI am good at %s.",
			message, p.intro, strings.Join(p.capabilities, ", ")),
		fmt.Sprintf("That is an interesting question! %s\n\nOn \"%s\" I would look at:\n\n1. The core issue\n2. Possible solutions\n3. Next steps\n\nWhich part matters most to you?",
			p.intro, message),
		fmt.Sprintf("Thanks for asking! %s\n\nFor \"%s\" I suggest we first understand the goal, then weigh the options, then plan concrete steps. How does that sound?",
			p.intro, message),
	}
	return pick(generic, message)
}

func pick(options []string, seed string) string {
	h := fnv.New32a()
	h.Write([]byte(seed))
	return options[h.Sum32()%uint32(len(options))]
}

func lastUserMessage(messages []domain.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

// PromptTokens approximates prompt usage as the sum of ceil(runes/4) over
// each message.
func PromptTokens(messages []domain.Message) int {
	total := 0
	for _, m := range messages {
		total += textTokens(m.Content)
	}
	return total
}

func textTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
