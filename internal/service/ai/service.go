package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"appforge/internal/config"
	"appforge/internal/models"
	"appforge/internal/prompt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
)

var (
	ErrProviderNotConfigured = errors.New("ai provider not configured")
	// ErrUpstream wraps every failure returned by the hosted model.
	ErrUpstream = errors.New("ai upstream call failed")
	// ErrMalformedOutput means the code model did not return the JSON object asked for.
	ErrMalformedOutput = errors.New("invalid JSON response from AI")
	ErrEmptyTranscript = errors.New("transcript is empty")
)

const defaultChatTimeout = 60 * time.Second

type generateFunc func(ctx context.Context, input []*schema.Message) (*schema.Message, error)

// Service talks to the hosted language model.
type Service struct {
	chat        generateFunc
	code        generateFunc
	chatTimeout time.Duration
	logger      *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithChatTimeout bounds every chat call. Zero disables the bound.
func WithChatTimeout(d time.Duration) Option {
	return func(s *Service) { s.chatTimeout = d }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService wraps a chat model and a code model.
func NewService(chatModel, codeModel model.BaseChatModel, opts ...Option) *Service {
	s := &Service{
		chat:        modelGenerate(chatModel),
		code:        modelGenerate(codeModel),
		chatTimeout: defaultChatTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewAgentService answers chat turns through a react agent that may call tools.
func NewAgentService(ctx context.Context, chatModel model.ToolCallingChatModel, codeModel model.BaseChatModel, tools []tool.BaseTool, opts ...Option) (*Service, error) {
	s := NewService(chatModel, codeModel, opts...)
	if len(tools) == 0 {
		return s, nil
	}
	agent, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: chatModel,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: tools,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init react agent: %w", err)
	}
	s.chat = func(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
		return agent.Generate(ctx, input)
	}
	return s, nil
}

// NewFromConfig builds the service for the configured provider.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := cfg.Generation.Provider
	provCfg := cfg.Provider()

	chatModel, err := NewChatModel(ctx, provider, provCfg, cfg.Generation.ChatModel)
	if err != nil {
		return nil, err
	}
	codeModel, err := NewChatModel(ctx, provider, provCfg, cfg.Generation.CodeModel)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithChatTimeout(time.Duration(cfg.Generation.ChatTimeoutSeconds) * time.Second),
		WithLogger(logger),
	}
	var tools []tool.BaseTool
	if cfg.Generation.WebSearch {
		if ws := NewWebSearchTool(ctx, SearchOptions{
			GoogleAPIKey:         cfg.Generation.GoogleAPIKey,
			GoogleSearchEngineID: cfg.Generation.GoogleSearchEngineID,
		}, logger); ws != nil {
			tools = append(tools, ws)
		}
	}
	logger.Info("ai service ready", "provider", provider, "web_search", len(tools) > 0)
	return NewAgentService(ctx, chatModel, codeModel, tools, opts...)
}

// Chat asks for the next assistant turn of transcript.
func (s *Service) Chat(ctx context.Context, transcript []models.Message) (string, error) {
	if len(transcript) == 0 {
		return "", ErrEmptyTranscript
	}
	if s.chatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.chatTimeout)
		defer cancel()
	}

	input := make([]*schema.Message, 0, len(transcript)+1)
	input = append(input, schema.SystemMessage(prompt.Chat))
	for _, msg := range transcript {
		input = append(input, toSchemaMessage(msg))
	}

	started := time.Now()
	resp, err := s.chat(ctx, input)
	if err != nil {
		s.logger.Warn("chat call failed", "error", err, "turns", len(transcript))
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	s.logger.Debug("chat call finished", "turns", len(transcript), "duration", time.Since(started))
	return strings.TrimSpace(resp.Content), nil
}

// GenerateCode sends a composed prompt to the code model and parses the
// returned generation.
func (s *Service) GenerateCode(ctx context.Context, composed string) (*models.Generation, error) {
	if strings.TrimSpace(composed) == "" {
		return nil, errors.New("prompt is required")
	}
	started := time.Now()
	resp, err := s.code(ctx, []*schema.Message{schema.UserMessage(composed)})
	if err != nil {
		s.logger.Warn("code generation failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	gen, err := ParseGeneration(resp.Content)
	if err != nil {
		s.logger.Warn("code generation returned malformed output", "error", err, "bytes", len(resp.Content))
		return nil, err
	}
	s.logger.Info("code generated", "files", len(gen.Files), "duration", time.Since(started))
	return gen, nil
}

// ParseGeneration decodes the code model's reply. A ```json fence around the
// object is tolerated.
func ParseGeneration(raw string) (*models.Generation, error) {
	body := stripFence(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}
	var gen models.Generation
	if err := json.Unmarshal([]byte(body), &gen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if gen.Files == nil {
		gen.Files = models.FileMap{}
	}
	return &gen, nil
}

func stripFence(raw string) string {
	body := strings.TrimSpace(raw)
	if !strings.HasPrefix(body, "```") {
		return body
	}
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = strings.TrimPrefix(body, "```")
	}
	body = strings.TrimSpace(body)
	return strings.TrimSpace(strings.TrimSuffix(body, "```"))
}

func toSchemaMessage(msg models.Message) *schema.Message {
	role := schema.User
	if msg.Role == models.RoleAI {
		role = schema.Assistant
	}
	return &schema.Message{Role: role, Content: msg.Content}
}

func modelGenerate(m model.BaseChatModel) generateFunc {
	return func(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
		if m == nil {
			return nil, ErrProviderNotConfigured
		}
		return m.Generate(ctx, input)
	}
}
