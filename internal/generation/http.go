package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"storyloom/internal/retry"
	logx "storyloom/pkg/logx"
)

type HTTPOptions struct {
	BaseURL           string
	APIKey            string
	Model             string
	FallbackModel     string
	MaxTokens         int
	FallbackMaxTokens int
	// Timeout caps one request; zero leaves it to the caller's context.
	Timeout time.Duration
}

// HTTPEngine talks to an OpenAI-compatible /chat/completions endpoint.
type HTTPEngine struct {
	opts   HTTPOptions
	client *http.Client
	log    logx.Logger
}

func NewHTTPEngine(opts HTTPOptions, log logx.Logger) (*HTTPEngine, error) {
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.BaseURL == "" || opts.Model == "" {
		return nil, errors.Wrap(ErrNotConfigured, "base_url and model are required")
	}
	if opts.FallbackModel == "" {
		opts.FallbackModel = opts.Model
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.FallbackMaxTokens <= 0 {
		opts.FallbackMaxTokens = opts.MaxTokens / 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPEngine{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		log:    log.With(logx.String("comp", "generation")),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

const chapterSystemPrompt = `You are a serial novelist. Write the requested chapter in the language of the story.
Start with the chapter title on the first line, then a blank line, then the chapter text.`

func (e *HTTPEngine) Generate(ctx context.Context, req ChapterRequest) (Chapter, error) {
	model, maxTokens := e.opts.Model, e.opts.MaxTokens
	if req.Mode == ModeFallback {
		model, maxTokens = e.opts.FallbackModel, e.opts.FallbackMaxTokens
	}
	text, err := e.complete(ctx, model, maxTokens, 0.8, chapterSystemPrompt, chapterPrompt(req))
	if err != nil {
		return Chapter{}, errors.Wrapf(err, "generate %s#%d", req.ProjectID, req.Seq)
	}
	ch := splitChapter(text)
	if strings.TrimSpace(ch.Content) == "" {
		return Chapter{}, errors.Wrapf(ErrEmptyContent, "generate %s#%d", req.ProjectID, req.Seq)
	}
	if ch.Title == "" {
		ch.Title = fmt.Sprintf("Chapter %d", req.Seq)
	}
	return ch, nil
}

func (e *HTTPEngine) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	prompt := fmt.Sprintf("Summarize chapter %d (%q) in at most 120 words. Keep names, places and open threads.\n\n%s",
		req.Seq, req.Title, req.Content)
	text, err := e.complete(ctx, e.opts.FallbackModel, 512, 0.2, "You write compact continuity notes.", prompt)
	if err != nil {
		return "", errors.Wrapf(err, "summarize %s#%d", req.ProjectID, req.Seq)
	}
	if text = strings.TrimSpace(text); text == "" {
		return "", errors.Wrapf(ErrEmptyContent, "summarize %s#%d", req.ProjectID, req.Seq)
	}
	return text, nil
}

func (e *HTTPEngine) Plan(ctx context.Context, req PlanRequest) (string, error) {
	text, err := e.complete(ctx, e.opts.Model, e.opts.MaxTokens/2, 0.5, "You are a story architect.", planPrompt(req))
	if err != nil {
		return "", errors.Wrapf(err, "plan %s %s", req.Kind, req.ProjectID)
	}
	if text = strings.TrimSpace(text); text == "" {
		return "", errors.Wrapf(ErrEmptyContent, "plan %s %s", req.Kind, req.ProjectID)
	}
	return text, nil
}

func (e *HTTPEngine) complete(ctx context.Context, model string, maxTokens int, temp float64, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "system", Content: system}, {Role: "user", Content: user}},
		MaxTokens:   maxTokens,
		Temperature: temp,
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.opts.APIKey)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", errors.Wrap(err, "read response")
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", retry.RetryAfter(errors.Newf("engine rate limited: %s", snippet(raw)), retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return "", errors.Newf("engine error %d: %s", resp.StatusCode, snippet(raw))
	case resp.StatusCode != http.StatusOK:
		return "", retry.NoRetry(errors.Newf("engine rejected request %d: %s", resp.StatusCode, snippet(raw)))
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errors.Wrap(err, "decode response")
	}
	if len(out.Choices) == 0 {
		return "", errors.Wrap(ErrEmptyContent, "no choices")
	}
	e.log.Debug("engine call",
		logx.String("model", model),
		logx.Duration("took", time.Since(start)),
		logx.Int("prompt_tokens", out.Usage.PromptTokens),
		logx.Int("completion_tokens", out.Usage.CompletionTokens),
		logx.String("finish_reason", out.Choices[0].FinishReason),
	)
	return out.Choices[0].Message.Content, nil
}

func chapterPrompt(req ChapterRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Story: %s\nParameters: %s\n", req.Title, req.Params)
	fmt.Fprintf(&b, "Write chapter %d of roughly %d.\n", req.Seq, req.Target)
	writeContext(&b, req.Context)
	if req.Context.FinalBlock {
		b.WriteString("\nThis block closes the story: steer every thread toward resolution.\n")
	}
	return b.String()
}

func planPrompt(req PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Story: %s\nParameters: %s\nChapters written: %d of about %d.\n", req.Title, req.Params, req.UpTo, req.Target)
	writeContext(&b, req.Context)
	switch req.Kind {
	case PlanSynopsis:
		b.WriteString("\nRewrite the rolling synopsis of the story so far in under 300 words.\n")
	case PlanOutline:
		fmt.Fprintf(&b, "\nOutline chapters %d-%d, one line per chapter.\n", req.BlockStart, req.BlockEnd)
		if req.Finale {
			b.WriteString("This is the final block: the last chapter must end the story.\n")
		}
	case PlanBible:
		b.WriteString("\nWrite the world bible: characters, places, rules of the world, tone.\n")
	}
	return b.String()
}

func writeContext(b *strings.Builder, c StoryContext) {
	if c.Bible != "" {
		fmt.Fprintf(b, "\n[World bible]\n%s\n", c.Bible)
	}
	if c.Synopsis != "" {
		fmt.Fprintf(b, "\n[Synopsis]\n%s\n", c.Synopsis)
	}
	if c.Outline != "" {
		fmt.Fprintf(b, "\n[Current outline]\n%s\n", c.Outline)
	}
	if len(c.RecentSummaries) > 0 {
		b.WriteString("\n[Recent chapters]\n")
		for _, s := range c.RecentSummaries {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
}

// splitChapter treats the first non-empty line as the title.
func splitChapter(text string) Chapter {
	text = strings.TrimSpace(text)
	first, rest, found := strings.Cut(text, "\n")
	if !found {
		return Chapter{Content: text}
	}
	title := strings.TrimSpace(strings.TrimLeft(first, "# "))
	title = strings.TrimSpace(strings.TrimPrefix(title, "Title:"))
	return Chapter{Title: title, Content: strings.TrimSpace(rest)}
}

func retryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	n := 300
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
