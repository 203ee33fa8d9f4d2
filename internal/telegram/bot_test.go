package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashwatch/internal/store"
)

type apiCall struct {
	Method  string
	JSON    map[string]interface{}
	Caption string
	Photo   []byte
}

type fakeAPI struct {
	mu      sync.Mutex
	calls   []apiCall
	updates string
	fail    bool
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		call := apiCall{Method: parts[len(parts)-1]}
		assert.Equal(t, "bottoken", parts[1])

		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			require.NoError(t, r.ParseMultipartForm(1<<20))
			call.Caption = r.FormValue("caption")
			file, _, err := r.FormFile("photo")
			require.NoError(t, err)
			call.Photo, _ = io.ReadAll(file)
		} else {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&call.JSON))
		}

		f.mu.Lock()
		f.calls = append(f.calls, call)
		fail := f.fail
		updates := f.updates
		f.updates = "[]"
		f.mu.Unlock()

		if fail {
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
			return
		}
		if call.Method == "getUpdates" {
			fmt.Fprintf(w, `{"ok":true,"result":%s}`, updates)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{}}`)
	})
}

func (f *fakeAPI) recorded() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func newTestBot(t *testing.T, api *fakeAPI) *TelegramBot {
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	return NewTelegramBot(Config{BotToken: "token", ChatID: "42", Enabled: true, APIBase: srv.URL})
}

func TestSendAlertWithPhoto(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api)

	err := bot.SendAlert(context.Background(), "<b>ACCIDENT</b>", []byte{0xff, 0xd8, 0xff})
	require.NoError(t, err)

	calls := api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendPhoto", calls[0].Method)
	assert.Equal(t, "<b>ACCIDENT</b>", calls[0].Caption)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, calls[0].Photo)
}

func TestSendAlertWithoutPhoto(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api)

	require.NoError(t, bot.SendAlert(context.Background(), "text only", nil))

	calls := api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendMessage", calls[0].Method)
	assert.Equal(t, "42", calls[0].JSON["chat_id"])
	assert.Equal(t, "HTML", calls[0].JSON["parse_mode"])
}

func TestAPIErrorIsReturned(t *testing.T) {
	api := &fakeAPI{fail: true}
	bot := newTestBot(t, api)

	err := bot.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestDisabledOrUnconfiguredBot(t *testing.T) {
	bot := NewTelegramBot(Config{BotToken: "token", ChatID: "42"})
	assert.Error(t, bot.SendMessage(context.Background(), "x"))

	bot = NewTelegramBot(Config{Enabled: true})
	assert.ErrorIs(t, bot.SendMessage(context.Background(), "x"), ErrNotConfigured)
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(Config{}))
	assert.Error(t, ValidateConfig(Config{Enabled: true, ChatID: "1"}))
	assert.Error(t, ValidateConfig(Config{Enabled: true, BotToken: "t"}))
	assert.NoError(t, ValidateConfig(Config{Enabled: true, BotToken: "t", ChatID: "1"}))
}

type fakeBackend struct {
	records []*store.AccidentRecord
	limit   int
}

func (b *fakeBackend) ListRecentAccidents(_ context.Context, limit int) ([]*store.AccidentRecord, error) {
	b.limit = limit
	return b.records, nil
}

func (b *fakeBackend) CurrentLocation() store.Coordinates {
	return store.Coordinates{Lat: 12.9716, Lng: 77.5946}
}

func (b *fakeBackend) Status() Status {
	return Status{Streams: []string{"cam-1"}, Store: "memory", Degraded: true, StartedAt: time.Now().Add(-90 * time.Minute)}
}

type fakeSnapshots struct{}

func (fakeSnapshots) Snapshot(streamID string) ([]byte, error) {
	if streamID != "cam-1" {
		return nil, fmt.Errorf("unknown stream")
	}
	return []byte{1, 2, 3}, nil
}

func messageUpdate(id int64, chatID int64, text string) string {
	return fmt.Sprintf(`{"update_id":%d,"message":{"message_id":1,"chat":{"id":%d,"type":"private"},"date":0,"text":%q}}`, id, chatID, text)
}

func TestCommandHandlerAccidents(t *testing.T) {
	api := &fakeAPI{}
	api.updates = "[" + messageUpdate(7, 42, "/accidents@crashbot 3") + "]"
	bot := newTestBot(t, api)

	backend := &fakeBackend{records: []*store.AccidentRecord{{
		ID:           "a1",
		StreamID:     "cam-1",
		Timestamp:    time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC),
		Location:     "MG Road",
		Confidence:   0.82,
		VehicleCount: 2,
		Status:       store.StatusAlertSent,
	}}}
	h := NewCommandHandler(bot, backend, fakeSnapshots{})

	require.NoError(t, h.PollOnce(context.Background()))
	assert.Equal(t, 3, backend.limit)

	calls := api.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "getUpdates", calls[0].Method)
	assert.EqualValues(t, 1, calls[0].JSON["offset"])
	assert.Equal(t, "sendMessage", calls[1].Method)
	text := calls[1].JSON["text"].(string)
	assert.Contains(t, text, "MG Road")
	assert.Contains(t, text, "0.82")

	// the offset advances past handled updates
	require.NoError(t, h.PollOnce(context.Background()))
	calls = api.recorded()
	assert.EqualValues(t, 8, calls[2].JSON["offset"])
}

func TestCommandHandlerIgnoresOtherChats(t *testing.T) {
	api := &fakeAPI{}
	api.updates = "[" + messageUpdate(1, 99, "/status") + "]"
	bot := newTestBot(t, api)

	h := NewCommandHandler(bot, &fakeBackend{}, nil)
	require.NoError(t, h.PollOnce(context.Background()))

	calls := api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "getUpdates", calls[0].Method)
}

func TestCommandHandlerSnapshotAndStatus(t *testing.T) {
	api := &fakeAPI{}
	api.updates = "[" + messageUpdate(1, 42, "/snapshot cam-1") + "," + messageUpdate(2, 42, "/status") + "]"
	bot := newTestBot(t, api)

	h := NewCommandHandler(bot, &fakeBackend{}, fakeSnapshots{})
	require.NoError(t, h.PollOnce(context.Background()))

	calls := api.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, "sendPhoto", calls[1].Method)
	assert.Equal(t, []byte{1, 2, 3}, calls[1].Photo)
	assert.Contains(t, calls[2].JSON["text"], "degraded mode")
	assert.Contains(t, calls[2].JSON["text"], "1h 30m")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5m", formatDuration(5*time.Minute))
	assert.Equal(t, "2h 3m", formatDuration(2*time.Hour+3*time.Minute))
	assert.Equal(t, "1d 1h 0m", formatDuration(25*time.Hour))
}
