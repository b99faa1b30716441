package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

type TelegramSender struct {
	HTTP     *http.Client
	BaseURL  string
	BotToken string
	ChatID   string
}

type telegramSendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (s TelegramSender) Name() string { return "telegram" }

func (s TelegramSender) Send(ctx context.Context, msg Message) error {
	if s.BotToken == "" || s.ChatID == "" {
		return fmt.Errorf("missing bot_token/chat_id")
	}
	base := strings.TrimRight(s.BaseURL, "/")
	if base == "" {
		base = telegramAPI
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", base, url.PathEscape(s.BotToken))
	b, err := json.Marshal(telegramSendMessageRequest{ChatID: s.ChatID, Text: plainText(msg)})
	if err != nil {
		return err
	}
	client := s.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram http %d", resp.StatusCode)
	}
	return nil
}

func plainText(msg Message) string {
	if msg.Title == "" {
		return msg.Text
	}
	if msg.Text == "" {
		return msg.Title
	}
	return msg.Title + "\n" + msg.Text
}
