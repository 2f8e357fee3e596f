package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Default instruction for channel posts: organic text without explicit
// structure markers such as "Intro:" or "Conclusion:".
const postSystemPrompt = "You write short posts for social media channels. " +
	"Do not use explicit structure markers like 'Main text:', 'Subheading:' or 'Conclusion:'. " +
	"Format the text organically and naturally."

// OpenAICompatGenerator calls any OpenAI-compatible /v1/chat/completions
// endpoint. Works with the OpenAI API itself, vLLM, LiteLLM, OpenRouter
// and self-hosted models.
type OpenAICompatGenerator struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	temperature  float64
	httpClient   *http.Client
}

// NewOpenAICompatGenerator builds a TextGenerator against baseURL,
// which should include the /v1 prefix, e.g. "https://api.openai.com/v1".
// apiKey can be empty for local models without authentication.
func NewOpenAICompatGenerator(baseURL, apiKey, model string) *OpenAICompatGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &OpenAICompatGenerator{
		baseURL:      baseURL,
		apiKey:       strings.TrimSpace(apiKey),
		model:        strings.TrimSpace(model),
		systemPrompt: postSystemPrompt,
		temperature:  0.7,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Generate implements TextGenerator using the chat completions API.
func (g *OpenAICompatGenerator) Generate(ctx context.Context, prompt string, maxLength int) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("generation model required")
	}
	messages := []oaiMessage{
		{Role: "system", Content: g.systemPrompt},
		{Role: "user", Content: prompt},
	}
	reqBody := oaiChatRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: g.temperature,
	}
	if maxLength > 0 {
		reqBody.MaxTokens = maxLength
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	url := g.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return "", fmt.Errorf("generation api error: %s", errResp.Error.Message)
		}
		return "", fmt.Errorf("generation api error: %s", resp.Status)
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("generation decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from generation api")
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from generation api")
	}
	return text, nil
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Temperature float64      `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
