// Package notify delivers alert texts over SMS and email.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

// ErrNotConfigured is returned by senders missing credentials
var ErrNotConfigured = errors.New("sender not configured")

// TwilioConfig holds Twilio SMS configuration
type TwilioConfig struct {
	AccountSID    string
	AuthToken     string
	FromNumber    string
	RatePerSecond float64 // Message pacing, default 1/s
	BaseURL       string  // Overrides the API base, for tests
	Logger        *zap.SugaredLogger
}

// Configured reports whether all credentials are present
func (c TwilioConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// TwilioSender sends SMS through the Twilio REST API
type TwilioSender struct {
	cfg        TwilioConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// NewTwilioSender creates an SMS sender, or returns ErrNotConfigured
func NewTwilioSender(cfg TwilioConfig) (*TwilioSender, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioBaseURL
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}

	return &TwilioSender{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		logger:     logger.Named("twilio"),
	}, nil
}

// Wait blocks until the pacing limiter admits the next message
func (s *TwilioSender) Wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sms rate limit wait: %w", err)
	}
	return nil
}

// SendSMS sends one message to one number. It does not pace itself; callers
// sending to several numbers call Wait before each send.
func (s *TwilioSender) SendSMS(ctx context.Context, to, body string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", s.cfg.BaseURL, url.PathEscape(s.cfg.AccountSID))
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.cfg.FromNumber)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send sms: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		var terr twilioError
		if json.Unmarshal(data, &terr) == nil && terr.Message != "" {
			return fmt.Errorf("twilio API error %d: %s", terr.Code, terr.Message)
		}
		return fmt.Errorf("twilio API returned status %d", resp.StatusCode)
	}

	var msg twilioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	s.logger.Debugw("sms queued", "to", to, "sid", msg.SID, "status", msg.Status)
	return nil
}
