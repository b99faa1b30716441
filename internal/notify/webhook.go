package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type WebhookSender struct {
	HTTP *http.Client
	URL  string
}

func (s WebhookSender) Name() string { return "webhook" }

func (s WebhookSender) Send(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	client := s.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(b))
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
		return &httpError{Sink: "webhook", StatusCode: resp.StatusCode}
	}
	return nil
}

type httpError struct {
	Sink       string
	StatusCode int
}

func (e *httpError) Error() string {
	return e.Sink + " http status " + http.StatusText(e.StatusCode)
}
