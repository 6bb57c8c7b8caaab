package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zabview/zabview/internal/config"
)

const telegramBaseURL = "https://api.telegram.org"

// TelegramSink delivers messages through the Telegram bot API.
type TelegramSink struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegramSink builds the sink from bot credentials.
func NewTelegramSink(cfg config.TelegramConfig) *TelegramSink {
	return &TelegramSink{
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		baseURL: telegramBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send implements Sink via the sendMessage method.
func (s *TelegramSink) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(telegramRequest{ChatID: s.chatID, Text: text})
	if err != nil {
		return fmt.Errorf("notify: encode telegram message: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: telegram request: %w", err)
	}
	defer resp.Body.Close()

	var decoded telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("notify: decode telegram response: %w", err)
	}
	if !decoded.OK {
		return fmt.Errorf("notify: telegram rejected message: status %d: %s", resp.StatusCode, decoded.Description)
	}
	return nil
}
