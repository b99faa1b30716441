package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"marketpulse/internal/config"
)

// Fanout sends every message to all configured sinks. A failing sink does
// not stop the others.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger
}

func NewFanout(logger *zap.Logger, timeout time.Duration, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fanout{sinks: sinks, timeout: timeout, logger: logger}
}

// FromConfig builds the sinks whose settings are present. Unconfigured sinks
// are skipped with a log line.
func FromConfig(cfg config.NotifyConfig, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	var sinks []Sink
	if u := strings.TrimSpace(cfg.Webhook.URL); u != "" {
		sinks = append(sinks, WebhookSender{HTTP: httpClient, URL: u})
	}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		sinks = append(sinks, TelegramSender{HTTP: httpClient, BotToken: cfg.Telegram.BotToken, ChatID: cfg.Telegram.ChatID})
	}
	if cfg.Discord.BotToken == "" {
		logger.Info("discord bot token not set, discord notifications disabled")
	} else if d, err := NewDiscordSender(cfg.Discord.BotToken, cfg.Discord.ChannelID); err != nil {
		logger.Warn("discord session init failed", zap.Error(err))
	} else {
		sinks = append(sinks, d)
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		sinks = append(sinks, NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	logger.Info("notifier sinks", zap.Strings("sinks", names))
	return NewFanout(logger, timeout, sinks...)
}

func (f *Fanout) Sinks() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

func (f *Fanout) Notify(ctx context.Context, msg Message) error {
	if f == nil || len(f.sinks) == 0 {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		sctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := s.Send(sctx, msg)
		cancel()
		if err != nil {
			f.logger.Warn("notify failed", zap.String("sink", s.Name()), zap.String("kind", msg.Kind), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close releases sinks holding connections.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
