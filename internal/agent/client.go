package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 1024
	apiVersion       = "2023-06-01"
)

// Persona selects which agent answers a conversation.
type Persona string

const (
	PersonaEngagement     Persona = "engagement"
	PersonaRecommendation Persona = "recommendation"
)

var systemPrompts = map[Persona]string{
	PersonaEngagement:     "You are a helpful engagement agent for a pet industry community.",
	PersonaRecommendation: "You are a helpful AI tool recommendation agent.",
}

// Message is one turn of an agent conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config holds the upstream model API settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Client streams completions from an Anthropic-compatible messages API.
type Client struct {
	log        *log.Logger
	httpClient *http.Client
	cfg        Config
}

func NewClient(logger *log.Logger, cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	return &Client{
		log: logger,
		// no client timeout, streams can stay open for minutes; callers
		// cancel through the request context
		httpClient: &http.Client{},
		cfg:        cfg,
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream sends the conversation to the model under the persona's system
// prompt and invokes onDelta for each text fragment as it arrives.
// Extra context retrieved for the conversation is appended to the
// system prompt via AugmentSystemPrompt before calling Stream.
func (c *Client) Stream(ctx context.Context, system string, messages []Message, onDelta func(text string) error) error {
	body, err := json.Marshal(messagesRequest{
		Model:     c.cfg.Model,
		System:    system,
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
		Stream:    true,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("Anthropic-Version", apiVersion)
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.log.Printf("skipping malformed stream event: %s", err)
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text != "" {
				if err := onDelta(ev.Delta.Text); err != nil {
					return err
				}
			}
		case "error":
			return fmt.Errorf("agent stream: %s: %s", ev.Error.Type, ev.Error.Message)
		case "message_stop":
			c.log.Printf("agent stream finished in %s", time.Since(start).Round(time.Millisecond))
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("agent stream: %w", err)
	}

	return nil
}

// SystemPrompt returns the base prompt for a persona.
func SystemPrompt(p Persona) (string, bool) {
	prompt, ok := systemPrompts[p]
	return prompt, ok
}
