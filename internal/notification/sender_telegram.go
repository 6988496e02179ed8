package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grandir66/sanoid-manager/internal/db"
)

// telegramAPI is the Bot API base; the token is interpolated per request.
const telegramAPI = "https://api.telegram.org"

// telegramSender delivers notifications as Telegram bot messages. Like the
// other senders it reloads configuration on every Send.
type telegramSender struct {
	client *http.Client
	loader func(ctx context.Context) (*db.NotificationConfig, error)
}

func newTelegramSender(loader func(ctx context.Context) (*db.NotificationConfig, error)) *telegramSender {
	return &telegramSender{
		client: &http.Client{Timeout: 10 * time.Second},
		loader: loader,
	}
}

// Send posts a message to the configured chat via the Bot API sendMessage
// method. A disabled or incomplete configuration skips silently.
func (s *telegramSender) Send(ctx context.Context, title, body string) error {
	cfg, err := s.loader(ctx)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return nil
		}
		return fmt.Errorf("%w: failed to load telegram config: %s", ErrSendFailed, err)
	}
	if !cfg.TelegramEnabled || cfg.TelegramBotToken == "" || cfg.TelegramChatID == "" {
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id":    cfg.TelegramChatID,
		"text":       "*" + title + "*\n" + body,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal telegram payload: %s", ErrSendFailed, err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", telegramAPI, cfg.TelegramBotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: failed to build telegram request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: telegram request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// The Bot API returns a JSON error description worth logging.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: telegram returned status %d: %s", ErrSendFailed, resp.StatusCode, detail)
	}

	return nil
}
