package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Fixed replies used when the model is unavailable.
const (
	DemoModeReply    = "I am in Demo Mode (No API Key)."
	OfflineReplyStem = "I'm currently offline (API Error). But I received your message: "
)

var (
	DemoSuggestions     = []string{"👍", "Sounds good!", "Ok"}
	FallbackSuggestions = []string{"Okay", "Interesting", "Tell me more"}
)

const suggestionPrompt = `Given the last message in a chat: %q, suggest 3 short, relevant, and conversational replies.
Return strictly a JSON array of strings, e.g., ["Reply 1", "Reply 2", "Reply 3"]. Do not include any other text.`

// AIOptions configures an OpenAI-compatible chat completions client.
type AIOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// AIReplier is a Replier over an OpenAI-compatible /chat/completions API.
type AIReplier struct {
	log   *zap.Logger
	c     httpClient
	key   string
	model string
}

func NewAIReplier(log *zap.Logger, opts AIOptions) (*AIReplier, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.groq.com/openai/v1"
	}
	if opts.Model == "" {
		opts.Model = "llama-3.3-70b-versatile"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	c, err := newHTTPClient(opts.BaseURL, opts.APIKey, opts.Timeout)
	if err != nil {
		return nil, err
	}
	return &AIReplier{
		log:   log.With(zap.String("component", "ai_replier")),
		c:     c,
		key:   opts.APIKey,
		model: opts.Model,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (a *AIReplier) complete(ctx context.Context, prompt string) (string, error) {
	var resp completionResponse
	req := completionRequest{Model: a.model, Messages: []chatMessage{{Role: "user", Content: prompt}}}
	if err := a.c.do(ctx, http.MethodPost, "/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (a *AIReplier) Reply(ctx context.Context, text string) string {
	if a.key == "" {
		return DemoModeReply
	}
	out, err := a.complete(ctx, text)
	if err != nil {
		a.log.Warn("ai reply failed, using fallback", zap.Error(err))
		return OfflineReplyStem + text
	}
	if strings.TrimSpace(out) == "" {
		return "I am creating my response..."
	}
	return out
}

func (a *AIReplier) Suggestions(ctx context.Context, message string) []string {
	if a.key == "" {
		return append([]string(nil), DemoSuggestions...)
	}
	out, err := a.complete(ctx, fmt.Sprintf(suggestionPrompt, message))
	if err != nil {
		a.log.Warn("ai suggestions failed, using fallback", zap.Error(err))
		return append([]string(nil), FallbackSuggestions...)
	}
	var parsed []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &parsed); err != nil {
		a.log.Debug("unparseable suggestions", zap.String("response", out))
		return append([]string(nil), FallbackSuggestions...)
	}
	if len(parsed) > 3 {
		parsed = parsed[:3]
	}
	return parsed
}
