package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/trendscope/harvester/internal/harvest"
)

const labelSystemPrompt = `You label short-form social media posts for a content analytics pipeline.
Given a post's headline and caption, respond with a single JSON object and nothing else:
{"topic": "<one short topic phrase>", "hook_type": "<question|statistic|story|challenge|howto|other>", "tags": ["<up to 5 lowercase tags>"]}`

// ClaudeConfig controls the Anthropic-backed labeler.
type ClaudeConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// ClaudeLabeler implements harvest.Labeler using the Anthropic Messages API.
type ClaudeLabeler struct {
	client    anthropic.Client
	model     string
	maxTokens int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewClaudeLabeler constructs a ClaudeLabeler.
func NewClaudeLabeler(cfg ClaudeConfig, logger *zap.Logger) (*ClaudeLabeler, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ClaudeLabeler{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		logger:    logger,
	}, nil
}

// Label produces topic/hook/tags for one content item.
func (l *ClaudeLabeler) Label(ctx context.Context, item harvest.ContentItem) (harvest.Enrichment, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	prompt := buildPrompt(item)
	resp, err := l.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(l.model),
		MaxTokens: int64(l.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: labelSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return harvest.Enrichment{}, fmt.Errorf("anthropic call: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return harvest.Enrichment{}, fmt.Errorf("empty labeling response")
	}

	return parseLabels(text.String())
}

func buildPrompt(item harvest.ContentItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Content type: %s\n", item.ContentType)
	if item.Headline != "" {
		fmt.Fprintf(&b, "Headline: %s\n", item.Headline)
	}
	if item.Description != "" {
		fmt.Fprintf(&b, "Caption: %s\n", item.Description)
	}
	fmt.Fprintf(&b, "Views: %d, likes: %d, comments: %d\n", item.Views, item.Likes, item.Comments)
	return b.String()
}

// parseLabels tolerates code fences around the JSON object.
func parseLabels(text string) (harvest.Enrichment, error) {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var parsed struct {
		Topic    string   `json:"topic"`
		HookType string   `json:"hook_type"`
		Tags     []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return harvest.Enrichment{}, fmt.Errorf("decode labels: %w", err)
	}
	if parsed.Topic == "" {
		return harvest.Enrichment{}, fmt.Errorf("labeling response missing topic")
	}
	return harvest.Enrichment{
		Topic:    parsed.Topic,
		HookType: parsed.HookType,
		Tags:     parsed.Tags,
	}, nil
}
