package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Mode selects what the writing assistant does with the submitted text.
type Mode string

const (
	// ModeSuggest asks for stylistic improvement suggestions.
	ModeSuggest Mode = "suggest"
	// ModeComplete asks for a continuation of the text.
	ModeComplete Mode = "complete"
	// ModeAnalyze asks for a short structural analysis.
	ModeAnalyze Mode = "analyze"
)

// ErrInvalidMode indicates an unknown assistant mode.
var ErrInvalidMode = errors.New("ai: invalid mode")

// ErrEmptyText indicates a request without any text to work on.
var ErrEmptyText = errors.New("ai: text required")

var prompts = map[Mode]string{
	ModeSuggest:  "Suggest concrete improvements for the following note. Reply with the improved text only.",
	ModeComplete: "Continue the following note naturally. Reply with the continuation only.",
	ModeAnalyze:  "Summarize the structure and key points of the following note in a few sentences.",
}

// NewMode validates raw input and returns a Mode.
func NewMode(rawInput string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := prompts[mode]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, rawInput)
	}
	return mode, nil
}

// CompletionClient is the slice of the OpenAI API the suggester consumes.
type CompletionClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// SuggesterConfig configures the writing assistant.
type SuggesterConfig struct {
	APIKey string
	Model  string
	Client CompletionClient
	Logger *zap.Logger
}

// Suggester is a stateless text-in/text-out assistant. Without an API key it
// degrades to a deterministic simulated response instead of failing, and it
// does the same when the upstream API errors.
type Suggester struct {
	client CompletionClient
	model  string
	logger *zap.Logger
}

// NewSuggester constructs a Suggester. A nil Client with an APIKey set builds
// the real OpenAI client; with neither, every call is simulated.
func NewSuggester(cfg SuggesterConfig) *Suggester {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	client := cfg.Client
	if client == nil && strings.TrimSpace(cfg.APIKey) != "" {
		client = openai.NewClient(cfg.APIKey)
	}
	if client == nil {
		logger.Info("ai suggester running in simulated mode")
	}
	return &Suggester{
		client: client,
		model:  model,
		logger: logger,
	}
}

// Run submits text to the assistant and returns the resulting text.
func (s *Suggester) Run(ctx context.Context, mode Mode, text string) (string, error) {
	prompt, ok := prompts[mode]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}

	if s.client == nil {
		return s.simulate(mode, text), nil
	}

	request := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	}

	response, err := s.client.CreateChatCompletion(ctx, request)
	if err != nil {
		s.logger.Warn("ai completion failed, falling back to simulated response", zap.Error(err))
		return s.simulate(mode, text), nil
	}
	if len(response.Choices) == 0 {
		s.logger.Warn("ai completion returned no choices, falling back to simulated response")
		return s.simulate(mode, text), nil
	}
	return response.Choices[0].Message.Content, nil
}

func (s *Suggester) simulate(mode Mode, text string) string {
	excerpt := text
	if len(excerpt) > 80 {
		excerpt = excerpt[:80]
	}
	switch mode {
	case ModeComplete:
		return text + " ..."
	case ModeAnalyze:
		return fmt.Sprintf("The note covers: %s", excerpt)
	default:
		return fmt.Sprintf("Consider clarifying: %s", excerpt)
	}
}
