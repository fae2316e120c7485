package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"deribit-hedger/internal/config"

	"go.uber.org/zap"
)

const (
	telegramBaseURL = "https://api.telegram.org"
	maxMessageLen   = 4096
	reportQueueSize = 64
	sendTimeout     = 10 * time.Second
)

// Telegram posts operator reports to one chat through the Bot API. Report
// only queues; Run delivers.
type Telegram struct {
	enabled bool
	token   string
	chatID  string
	prefix  string
	baseURL string
	client  *http.Client
	log     *zap.Logger

	queue   chan string
	started atomic.Bool
	dropped atomic.Uint64
}

func NewTelegram(cfg config.TelegramConfig, prefix string, log *zap.Logger) *Telegram {
	return newTelegram(cfg, prefix, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, prefix string, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		prefix:  strings.TrimSpace(prefix),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
		queue:   make(chan string, reportQueueSize),
	}
}

func (t *Telegram) Enabled() bool { return t != nil && t.enabled }

// Report queues message for Run and never blocks; a full queue drops it.
func (t *Telegram) Report(_ context.Context, message string) {
	if !t.Enabled() {
		return
	}
	select {
	case t.queue <- message:
	default:
		if t.dropped.Add(1) == 1 {
			t.log.Warn("telegram report queue full")
		}
	}
}

// Run delivers queued reports until ctx ends. Failures are logged.
func (t *Telegram) Run(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("telegram reporter already running")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case message := <-t.queue:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := t.Send(sendCtx, message); err != nil {
				t.log.Warn("telegram report failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.Enabled() {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("telegram message is empty")
	}
	if t.prefix != "" {
		message = "[" + t.prefix + "] " + message
	}
	if len(message) > maxMessageLen {
		message = message[:maxMessageLen]
	}
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram send failed: %s", desc)
	}
	return nil
}
