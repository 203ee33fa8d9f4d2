package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashwatch/internal/alert"
)

func TestTwilioRequiresCredentials(t *testing.T) {
	_, err := NewTwilioSender(TwilioConfig{AccountSID: "AC123", AuthToken: "tok"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestTwilioSendSMS(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/Accounts/AC123/Messages.json", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15551234567", r.PostForm.Get("To"))
		assert.Equal(t, "+15557654321", r.PostForm.Get("From"))
		assert.Contains(t, r.PostForm.Get("Body"), "ACCIDENT")

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	s, err := NewTwilioSender(TwilioConfig{
		AccountSID:    "AC123",
		AuthToken:     "secret",
		FromNumber:    "+15557654321",
		RatePerSecond: 100,
		BaseURL:       srv.URL,
	})
	require.NoError(t, err)

	require.NoError(t, s.SendSMS(context.Background(), "+15551234567", "ACCIDENT DETECTED"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTwilioSendSMSError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"The 'To' number is not a valid phone number.","status":400}`))
	}))
	defer srv.Close()

	s, err := NewTwilioSender(TwilioConfig{AccountSID: "AC1", AuthToken: "t", FromNumber: "+1", BaseURL: srv.URL})
	require.NoError(t, err)

	err = s.SendSMS(context.Background(), "bogus", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "21211")
}

func TestTwilioRateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	s, err := NewTwilioSender(TwilioConfig{AccountSID: "AC1", AuthToken: "t", FromNumber: "+1", RatePerSecond: 0.01, BaseURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, s.Wait(context.Background()))
	require.NoError(t, s.SendSMS(context.Background(), "+2", "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestTwilioPacedDispatchReachesEveryRecipient(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	s, err := NewTwilioSender(TwilioConfig{AccountSID: "AC1", AuthToken: "t", FromNumber: "+1", RatePerSecond: 40, BaseURL: srv.URL})
	require.NoError(t, err)

	// twenty messages at 40/s need about half a second, well past the send timeout
	recipients := make([]string, 20)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("+9100000%02d", i)
	}
	d := alert.NewDispatcher(alert.Config{
		SMS:           s,
		SMSRecipients: recipients,
		Timeout:       100 * time.Millisecond,
	})

	r := d.Dispatch(context.Background(), alert.Evidence{StreamID: "cam-1", Timestamp: time.Now(), Confidence: 0.7, VehicleCount: 2})

	sms := r.Lookup(alert.ChannelSMS)
	require.Len(t, sms, len(recipients))
	for _, st := range sms {
		assert.Equal(t, alert.StateSent, st.State, st.Error)
	}
	assert.EqualValues(t, len(recipients), atomic.LoadInt32(&attempts))
}

func TestSMTPConfigured(t *testing.T) {
	full := SMTPConfig{Host: "smtp.example.com", Port: 587, User: "alerts@example.com", Password: "pw"}
	assert.True(t, full.Configured())

	for _, partial := range []SMTPConfig{
		{Port: 587, User: "u", Password: "p"},
		{Host: "h", User: "u", Password: "p"},
		{Host: "h", Port: 587, Password: "p"},
		{Host: "h", Port: 587, User: "u"},
	} {
		assert.False(t, partial.Configured())
		_, err := NewSMTPSender(partial)
		assert.ErrorIs(t, err, ErrNotConfigured)
	}
}

func TestSMTPSendWithoutRecipients(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: 1, User: "u", Password: "p"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.SendEmail(context.Background(), nil, "s", "b"), ErrNotConfigured)
}

func TestBuildMessage(t *testing.T) {
	date := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := string(buildMessage("alerts@example.com", []string{"a@example.com", "b@example.com"},
		"ACCIDENT DETECTED", "ACCIDENT DETECTED\n\nLocation: Ring Road\n", date))

	assert.True(t, strings.HasPrefix(msg, "From: alerts@example.com\r\n"))
	assert.Contains(t, msg, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, msg, "Subject: ACCIDENT DETECTED\r\n")
	assert.Contains(t, msg, "Date: Tue, 02 Jan 2024 03:04:05 +0000\r\n")
	assert.Contains(t, msg, "\r\n\r\nACCIDENT DETECTED\r\n\r\nLocation: Ring Road\r\n")
	assert.NotContains(t, strings.ReplaceAll(msg, "\r\n", ""), "\n")
}
