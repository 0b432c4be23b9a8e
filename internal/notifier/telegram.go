package notifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// TelegramSink sends alerts to a Telegram chat. All bot users share one
// operator chat; the user id is prefixed onto every message.
type TelegramSink struct {
	Token   string
	ChatID  string
	Retries int
	Delay   time.Duration

	client *http.Client
}

func NewTelegramSink(token, chatID string, retries int, delay time.Duration) *TelegramSink {
	if retries <= 0 {
		retries = 3
	}
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &TelegramSink{
		Token:   token,
		ChatID:  chatID,
		Retries: retries,
		Delay:   delay,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSink) Notify(ctx context.Context, userID, eventType string, payload map[string]any) error {
	msg := formatMessage(userID, eventType, payload)

	var err error
	for attempt := 1; attempt <= t.Retries; attempt++ {
		if err = t.send(ctx, msg); err == nil {
			return nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("max", t.Retries).
			Str("event", eventType).Msg("Telegram send failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.Delay):
		}
	}
	return err
}

func (t *TelegramSink) send(ctx context.Context, message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	form := url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

func formatMessage(userID, eventType string, payload map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] user=%s\n", strings.ToUpper(eventType), userID)

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, payload[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
