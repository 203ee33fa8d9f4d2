package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultAPIBase = "https://api.telegram.org"

// ErrNotConfigured is returned when token or chat id are missing
var ErrNotConfigured = errors.New("telegram bot token or chat ID not configured")

// TelegramBot handles Telegram bot operations
type TelegramBot struct {
	botToken   string
	chatID     string
	apiBase    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
	mu         sync.RWMutex
	enabled    bool
}

// Config holds Telegram bot configuration
type Config struct {
	BotToken string
	ChatID   string
	Enabled  bool
	APIBase  string // Overrides https://api.telegram.org, for tests
	Logger   *zap.SugaredLogger
}

// TelegramResponse represents the response from Telegram API
type TelegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// NewTelegramBot creates a new Telegram bot instance
func NewTelegramBot(config Config) *TelegramBot {
	apiBase := config.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &TelegramBot{
		botToken:   config.BotToken,
		chatID:     config.ChatID,
		apiBase:    strings.TrimRight(apiBase, "/"),
		enabled:    config.Enabled,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.Named("telegram"),
	}
}

// IsEnabled returns whether the bot is enabled
func (tb *TelegramBot) IsEnabled() bool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.enabled
}

// SetEnabled enables or disables the bot
func (tb *TelegramBot) SetEnabled(enabled bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.enabled = enabled
}

func (tb *TelegramBot) credentials() (string, string, error) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	if !tb.enabled {
		return "", "", fmt.Errorf("telegram bot is disabled")
	}
	if tb.botToken == "" || tb.chatID == "" {
		return "", "", ErrNotConfigured
	}
	return tb.botToken, tb.chatID, nil
}

// SendMessage sends a text message
func (tb *TelegramBot) SendMessage(ctx context.Context, message string) error {
	token, chatID, err := tb.credentials()
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       message,
		"parse_mode": "HTML",
	}

	_, err = tb.sendTelegramRequest(ctx, token, "sendMessage", payload)
	return err
}

// SendPhoto sends a photo with optional caption
func (tb *TelegramBot) SendPhoto(ctx context.Context, photoData []byte, caption string) error {
	token, chatID, err := tb.credentials()
	if err != nil {
		return err
	}
	return tb.sendPhoto(ctx, token, chatID, photoData, caption)
}

// SendAlert sends an accident alert, as a photo when one is provided
func (tb *TelegramBot) SendAlert(ctx context.Context, caption string, photo []byte) error {
	if len(photo) > 0 {
		return tb.SendPhoto(ctx, photo, caption)
	}
	return tb.SendMessage(ctx, caption)
}

// SendTestMessage sends a test message to verify the bot configuration
func (tb *TelegramBot) SendTestMessage(ctx context.Context) error {
	now := time.Now()
	zoneName, _ := now.Zone()
	timestamp := fmt.Sprintf("%s %s", now.Format("2 Jan 2006, 15:04:05"), zoneName)

	message := fmt.Sprintf(
		"🤖 <b>Crashwatch Test Message</b>\n\n"+
			"✅ Telegram bot is working correctly!\n"+
			"🕐 Test sent at: %s",
		timestamp,
	)

	return tb.SendMessage(ctx, message)
}

// sendPhoto sends a photo using multipart form data
func (tb *TelegramBot) sendPhoto(ctx context.Context, token, chatID string, photoData []byte, caption string) error {
	url := fmt.Sprintf("%s/bot%s/sendPhoto", tb.apiBase, token)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	err := writer.WriteField("chat_id", chatID)
	if err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}

	if caption != "" {
		err = writer.WriteField("caption", caption)
		if err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}

		err = writer.WriteField("parse_mode", "HTML")
		if err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "accident_frame.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = part.Write(photoData)
	if err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	_, err = tb.handleResponse(resp)
	return err
}

// sendTelegramRequest sends a generic request to Telegram API
func (tb *TelegramBot) sendTelegramRequest(ctx context.Context, token, method string, payload map[string]interface{}) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/bot%s/%s", tb.apiBase, token, method)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return tb.handleResponse(resp)
}

// handleResponse processes the Telegram API response
func (tb *TelegramBot) handleResponse(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp TelegramResponse
	err = json.Unmarshal(body, &telegramResp)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !telegramResp.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}

	return telegramResp.Result, nil
}

// ValidateConfig validates the Telegram bot configuration
func ValidateConfig(config Config) error {
	if !config.Enabled {
		return nil
	}
	if config.BotToken == "" {
		return fmt.Errorf("bot token is required when Telegram is enabled")
	}
	if config.ChatID == "" {
		return fmt.Errorf("chat ID is required when Telegram is enabled")
	}
	return nil
}
