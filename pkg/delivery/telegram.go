package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramAdapter sends posts through the Telegram Bot API. A post
// with a media reference (a Telegram file id) goes out as a photo with
// the body as caption; otherwise as a plain message.
type TelegramAdapter struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewTelegramAdapter builds an adapter against baseURL; empty selects
// the public Bot API host.
func NewTelegramAdapter(baseURL, token string) *TelegramAdapter {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = telegramAPIBase
	}
	return &TelegramAdapter{
		baseURL: baseURL,
		token:   strings.TrimSpace(token),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send implements Adapter. The returned token is the Telegram message
// id of the delivered post.
func (a *TelegramAdapter) Send(ctx context.Context, channelID, body, mediaRef string) (string, error) {
	if a.token == "" {
		return "", fmt.Errorf("%w: bot token not configured", ErrPermanent)
	}
	method := "sendMessage"
	payload := map[string]any{"chat_id": channelID, "text": body}
	if mediaRef != "" {
		method = "sendPhoto"
		payload = map[string]any{"chat_id": channelID, "photo": mediaRef, "caption": body}
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/bot%s/%s", a.baseURL, a.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s request: %v", ErrTransient, method, err)
	}
	defer resp.Body.Close()

	var tgResp tgResponse
	if err := json.NewDecoder(resp.Body).Decode(&tgResp); err != nil {
		return "", fmt.Errorf("%w: decode %s response: %v", ErrTransient, method, err)
	}
	if !tgResp.OK {
		return "", classify(resp.StatusCode, tgResp.Description)
	}
	return strconv.FormatInt(tgResp.Result.MessageID, 10), nil
}

// classify maps a Bot API failure onto the transient/permanent split.
// 429 and 5xx are retryable; 4xx (bad chat, kicked bot, revoked token)
// are not.
func classify(status int, description string) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("%w: telegram api %d: %s", ErrTransient, status, description)
	}
	return fmt.Errorf("%w: telegram api %d: %s", ErrPermanent, status, description)
}

type tgResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}
