package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/zymantas-katinas/commit-digest/internal/config"
	"github.com/zymantas-katinas/commit-digest/internal/models"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

const (
	maxPromptCommits     = 200
	maxPromptMessageLen  = 500
	fallbackModelName    = "plain-digest"
	defaultSummaryPeriod = "day"
)

type SummaryStyle struct {
	Style    string // concise, detailed
	Language string
}

type Summary struct {
	Text            string
	TokensUsed      int
	CostEstimateUSD float64
	Model           string
}

type Summarizer interface {
	Summarize(ctx context.Context, commits []Commit, period string, style SummaryStyle) (*Summary, error)
}

type completion struct {
	content string
	tokens  int
}

// LLMSummarizer turns a list of commits into a readable digest using the
// configured LLM provider. Without credentials it produces a plain digest.
type LLMSummarizer struct {
	cfg config.LLMConfig
}

func NewLLMSummarizer(cfg config.LLMConfig) *LLMSummarizer {
	return &LLMSummarizer{cfg: cfg}
}

// ModelName is the model recorded on runs.
func (s *LLMSummarizer) ModelName() string {
	if !s.Enabled() {
		return fallbackModelName
	}
	return s.cfg.Model
}

// Enabled is false when no provider is usable and the plain digest is used.
func (s *LLMSummarizer) Enabled() bool {
	return s.cfg.APIKey != "" || s.cfg.Provider == "ollama"
}

func (s *LLMSummarizer) Summarize(ctx context.Context, commits []Commit, period string, style SummaryStyle) (*Summary, error) {
	if period == "" {
		period = defaultSummaryPeriod
	}

	if !s.Enabled() {
		logger.Debug().Int("commits", len(commits)).Msg("no LLM credentials configured, using plain digest")
		return &Summary{Text: plainDigest(commits, period), Model: fallbackModelName}, nil
	}

	prompt := buildSummaryPrompt(commits, period, style)
	logger.Debug().
		Str("provider", s.cfg.Provider).
		Str("model", s.cfg.Model).
		Int("prompt_chars", len(prompt)).
		Msg("requesting summary")

	var (
		out *completion
		err error
	)
	switch s.cfg.Provider {
	case "anthropic":
		out, err = s.callAnthropic(ctx, prompt)
	case "ollama":
		out, err = s.callOllama(ctx, prompt)
	case "gemini":
		out, err = s.callGemini(ctx, prompt)
	case "azure":
		out, err = s.callAzure(ctx, prompt)
	default:
		// openai and OpenAI-compatible endpoints
		out, err = s.callOpenAI(ctx, prompt)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSummarization, s.cfg.Provider, err)
	}

	text := strings.TrimSpace(out.content)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response from %s", ErrSummarization, s.cfg.Provider)
	}

	return &Summary{
		Text:            text,
		TokensUsed:      out.tokens,
		CostEstimateUSD: float64(out.tokens) / 1000 * s.cfg.CostPer1KTokens,
		Model:           s.cfg.Model,
	}, nil
}

func (s *LLMSummarizer) temperature() float32 {
	if s.cfg.Temperature > 0 {
		return float32(s.cfg.Temperature)
	}
	return 0.3
}

func (s *LLMSummarizer) callOpenAI(ctx context.Context, prompt string) (*completion, error) {
	clientConfig := openai.DefaultConfig(s.cfg.APIKey)
	if s.cfg.BaseURL != "" {
		clientConfig.BaseURL = s.cfg.BaseURL
	}
	return s.chatCompletion(ctx, openai.NewClientWithConfig(clientConfig), prompt)
}

// callAzure uses Model as the deployment name and BaseURL as
// https://{resource}.openai.azure.com.
func (s *LLMSummarizer) callAzure(ctx context.Context, prompt string) (*completion, error) {
	clientConfig := openai.DefaultAzureConfig(s.cfg.APIKey, s.cfg.BaseURL)
	return s.chatCompletion(ctx, openai.NewClientWithConfig(clientConfig), prompt)
}

func (s *LLMSummarizer) chatCompletion(ctx context.Context, client *openai.Client, prompt string) (*completion, error) {
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.temperature(),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &completion{
		content: resp.Choices[0].Message.Content,
		tokens:  resp.Usage.TotalTokens,
	}, nil
}

func (s *LLMSummarizer) callAnthropic(ctx context.Context, prompt string) (*completion, error) {
	opts := []option.RequestOption{option.WithAPIKey(s.cfg.APIKey)}
	if s.cfg.BaseURL != "" && !strings.Contains(s.cfg.BaseURL, "openai.com") {
		opts = append(opts, option.WithBaseURL(s.cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := int64(s.cfg.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 2048
	}
	model := s.cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: summarySystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return &completion{
		content: content.String(),
		tokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}, nil
}

func (s *LLMSummarizer) callOllama(ctx context.Context, prompt string) (*completion, error) {
	baseURL := s.cfg.BaseURL
	if baseURL == "" || strings.Contains(baseURL, "openai.com") {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama base URL: %w", err)
	}
	client := api.NewClient(u, http.DefaultClient)

	model := s.cfg.Model
	if model == "" {
		model = "llama3"
	}

	out := &completion{}
	var content strings.Builder
	stream := false
	err = client.Chat(ctx, &api.ChatRequest{
		Model:  model,
		Stream: &stream,
		Messages: []api.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: prompt},
		},
		Options: map[string]interface{}{
			"temperature": s.temperature(),
		},
	}, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		if resp.Done {
			out.tokens = resp.PromptEvalCount + resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.content = content.String()
	return out, nil
}

func (s *LLMSummarizer) callGemini(ctx context.Context, prompt string) (*completion, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	model := s.cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(summarySystemPrompt, genai.RoleUser),
	})
	if err != nil {
		return nil, err
	}

	out := &completion{content: resp.Text()}
	if resp.UsageMetadata != nil {
		out.tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

const summarySystemPrompt = `You write short engineering digests for a team channel.
Summarize what changed in a repository from its commit messages. Group related
commits, lead with user-visible changes, and use Markdown headings and bullet
lists. Never invent changes that are not in the commits.`

func buildSummaryPrompt(commits []Commit, period string, style SummaryStyle) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Summarize the following %d commits from the past %s.\n", len(commits), period)
	if style.Style == models.SummaryStyleDetailed {
		b.WriteString("Write a detailed report: a short overview, then a section per area of the codebase with one bullet per notable change, then a list of contributors.\n")
	} else {
		b.WriteString("Write a concise report: at most 8 bullets covering the most important changes, then one line naming the contributors.\n")
	}
	if style.Language != "" && !strings.EqualFold(style.Language, "en") && !strings.EqualFold(style.Language, "english") {
		fmt.Fprintf(&b, "Write the report in %s.\n", style.Language)
	}
	b.WriteString("\nCommits:\n")

	shown := commits
	if len(shown) > maxPromptCommits {
		shown = shown[:maxPromptCommits]
	}
	for _, c := range shown {
		msg := strings.TrimSpace(c.Message)
		if len(msg) > maxPromptMessageLen {
			msg = msg[:maxPromptMessageLen] + "..."
		}
		fmt.Fprintf(&b, "- %s (%s, %s): %s\n", shortSHA(c.SHA), authorLabel(c), c.AuthorDate.UTC().Format("2006-01-02"), msg)
	}
	if len(commits) > len(shown) {
		fmt.Fprintf(&b, "... and %d more commits\n", len(commits)-len(shown))
	}
	return b.String()
}

// plainDigest lists commit subjects grouped by author.
func plainDigest(commits []Commit, period string) string {
	if len(commits) == 0 {
		return "No new commits"
	}

	byAuthor := make(map[string][]Commit)
	for _, c := range commits {
		name := authorLabel(c)
		byAuthor[name] = append(byAuthor[name], c)
	}
	authors := make([]string, 0, len(byAuthor))
	for name := range byAuthor {
		authors = append(authors, name)
	}
	sort.Strings(authors)

	var b strings.Builder
	fmt.Fprintf(&b, "# Commit digest\n\n%d commits in the past %s by %d contributors.\n", len(commits), period, len(authors))
	for _, name := range authors {
		fmt.Fprintf(&b, "\n## %s\n", name)
		for _, c := range byAuthor[name] {
			fmt.Fprintf(&b, "- %s `%s`\n", firstLine(c.Message), shortSHA(c.SHA))
		}
	}
	return b.String()
}

func authorLabel(c Commit) string {
	switch {
	case c.AuthorName != "":
		return c.AuthorName
	case c.AuthorLogin != "":
		return c.AuthorLogin
	case c.AuthorEmail != "":
		return c.AuthorEmail
	}
	return "unknown"
}

func firstLine(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return strings.TrimSpace(msg[:i])
	}
	return msg
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
