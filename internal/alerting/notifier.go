package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Status is the per-recipient delivery outcome.
type Status string

const (
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Delivery records one recipient's outcome.
type Delivery struct {
	Recipient string
	Status    Status
	Err       error
}

// Result aggregates the deliveries of one Notify call.
type Result struct {
	Skipped    bool
	Deliveries []Delivery
}

// Sent counts successful deliveries.
func (r Result) Sent() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Status == StatusSent {
			n++
		}
	}
	return n
}

// Failed counts failed deliveries.
func (r Result) Failed() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Status == StatusFailed {
			n++
		}
	}
	return n
}

// Notifier delivers free text to every configured recipient. Implementations
// never return transport failures to the caller; they are reported in Result.
type Notifier interface {
	Enabled() bool
	Notify(ctx context.Context, text string) Result
}

// TelegramOptions configure the Telegram notifier.
type TelegramOptions struct {
	BotToken string
	ChatIDs  []string
	APIBase  string
	Timeout  time.Duration
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatIDs  []string
	baseURL  string
	enabled  bool
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs the notifier. Missing credentials or an
// empty recipient list disable it for the lifetime of the value.
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := opts.APIBase
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	chatIDs := make([]string, 0, len(opts.ChatIDs))
	for _, id := range opts.ChatIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			chatIDs = append(chatIDs, trimmed)
		}
	}

	n := &TelegramNotifier{
		botToken: strings.TrimSpace(opts.BotToken),
		chatIDs:  chatIDs,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
	n.enabled = n.botToken != "" && len(n.chatIDs) > 0
	if !n.enabled {
		n.logger.Warn().Msg("telegram configuration missing; notifications disabled")
	}
	return n
}

// Enabled reports whether deliveries will be attempted.
func (n *TelegramNotifier) Enabled() bool {
	return n.enabled
}

// Notify sends text to each chat id in order. A failure for one recipient
// does not stop delivery to the rest.
func (n *TelegramNotifier) Notify(ctx context.Context, text string) Result {
	if !n.enabled {
		return Result{Skipped: true}
	}

	result := Result{Deliveries: make([]Delivery, 0, len(n.chatIDs))}
	for _, chatID := range n.chatIDs {
		d := Delivery{Recipient: chatID, Status: StatusSent}
		if err := n.send(ctx, chatID, text); err != nil {
			d.Status = StatusFailed
			d.Err = err
			n.logger.Error().Err(err).Str("chat_id", chatID).Msg("telegram delivery failed")
		} else {
			n.logger.Info().Str("chat_id", chatID).Msg("telegram message sent")
		}
		result.Deliveries = append(result.Deliveries, d)
	}
	return result
}

func (n *TelegramNotifier) send(ctx context.Context, chatID, text string) error {
	payload := map[string]string{
		"chat_id": chatID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// the url embeds the token; keep it out of logs
		return fmt.Errorf("send telegram request: %w", redactToken(err, n.botToken))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(respBody, &result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}
	return nil
}

type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

func redactToken(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<redacted>"), cause: err}
}

// Nop is a disabled notifier.
type Nop struct{}

func (Nop) Enabled() bool                         { return false }
func (Nop) Notify(context.Context, string) Result { return Result{Skipped: true} }

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Nop{}
)
