// Package summarizer produces the short human-readable conclusion stored
// with a finished run. It talks to an OpenAI-compatible chat completion
// endpoint and degrades to a fixed placeholder whenever that fails:
// summarization must never fail a run.
package summarizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/forgeboard/forgeboard/internal/config"
	"github.com/forgeboard/forgeboard/internal/runner"
)

// Placeholder is stored when the summarizer is unavailable or errors out.
const Placeholder = "(任务已执行，摘要生成不可用)"

const summaryPrompt = `You are a run reporter. Summarize what the agent did for this task in 2-4 sentences.

Rules:
1. State concrete outcomes (files changed, commands run), not intentions
2. Mention failures explicitly if any occurred
3. Plain text only, no markdown

Task:
%s

Recent run events:
%s`

type Summarizer interface {
	Summarize(taskDescription string, events []runner.AgentEvent) string
}

type client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	tailEvents int
	httpClient *http.Client
}

// New builds a summarizer from config, falling back to the agent provider
// for any field the summarizer block leaves empty.
func New(cfg *config.Config) Summarizer {
	c := &client{
		tailEvents: config.DefaultSummaryTailEvents,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	if cfg.Summarizer.Provider != nil {
		c.apiKey = cfg.Summarizer.Provider.APIKey
		c.baseURL = cfg.Summarizer.Provider.BaseURL
	}
	if c.apiKey == "" {
		c.apiKey = cfg.Provider.APIKey
	}
	if c.baseURL == "" {
		c.baseURL = cfg.Provider.BaseURL
	}
	if cfg.Summarizer.Model != "" {
		c.model = cfg.Summarizer.Model
	} else {
		c.model = cfg.Agent.Model
	}
	if cfg.Summarizer.MaxTokens > 0 {
		c.maxTokens = cfg.Summarizer.MaxTokens
	} else {
		c.maxTokens = cfg.Agent.MaxTokens
	}

	return c
}

// Summarize returns the model's summary of the run, or Placeholder on any
// failure. Only the trailing window of events is sent to keep the request
// bounded regardless of run length.
func (c *client) Summarize(taskDescription string, events []runner.AgentEvent) string {
	digest := Digest(events, c.tailEvents)
	content, err := c.complete(fmt.Sprintf(summaryPrompt, taskDescription, digest))
	if err != nil {
		log.Printf("[summarizer] falling back to placeholder: %v", err)
		return Placeholder
	}
	return content
}

// Digest renders the last n events as one line each, skipping payload-free
// bookkeeping. Tool inputs are kept short; assistant text is kept whole.
func Digest(events []runner.AgentEvent, n int) string {
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	var b strings.Builder
	for _, evt := range events {
		switch evt.Type {
		case runner.EventAssistantTurn:
			fmt.Fprintf(&b, "assistant: %s\n", strings.TrimSpace(evt.Text))
		case runner.EventToolUse:
			fmt.Fprintf(&b, "tool %s(%s)\n", evt.ToolName, compactInput(evt.ToolInput))
		case runner.EventToolResult:
			fmt.Fprintf(&b, "tool %s finished\n", evt.ToolName)
		case runner.EventResultSuccess:
			b.WriteString("run succeeded\n")
		case runner.EventResultError:
			fmt.Fprintf(&b, "run failed: %s\n", evt.Raw)
		}
	}
	return b.String()
}

func compactInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	const limit = 200
	s := string(data)
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

func (c *client) complete(prompt string) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("missing summarizer api key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("missing summarizer base url")
	}
	if c.model == "" {
		return "", fmt.Errorf("missing summarizer model")
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"max_tokens":  c.maxTokens,
		"temperature": 0.3,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("summarizer http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
