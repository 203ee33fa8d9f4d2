package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"crashwatch/internal/location"
	"crashwatch/internal/store"
)

// Backend is what the command handler needs from the rest of the system
type Backend interface {
	ListRecentAccidents(ctx context.Context, limit int) ([]*store.AccidentRecord, error)
	CurrentLocation() store.Coordinates
	Status() Status
}

// SnapshotSource provides the latest annotated frame of a stream
type SnapshotSource interface {
	Snapshot(streamID string) ([]byte, error)
}

// Status summarizes the system for /status
type Status struct {
	Streams    []string
	Store      string
	Detector   string // empty in degraded mode
	Degraded   bool
	StartedAt  time.Time
	AlertsSent int64
}

// Update represents a Telegram update
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message,omitempty"`
}

// TelegramMessage represents a Telegram message
type TelegramMessage struct {
	MessageID int64         `json:"message_id"`
	Chat      *TelegramChat `json:"chat,omitempty"`
	Date      int64         `json:"date"`
	Text      string        `json:"text,omitempty"`
}

// TelegramChat represents a Telegram chat
type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// CommandHandler handles Telegram bot commands
type CommandHandler struct {
	bot          *TelegramBot
	backend      Backend
	snapshots    SnapshotSource
	lastUpdateID int64
	interval     time.Duration
	now          func() time.Time
	mu           sync.Mutex
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(bot *TelegramBot, backend Backend, snapshots SnapshotSource) *CommandHandler {
	return &CommandHandler{
		bot:       bot,
		backend:   backend,
		snapshots: snapshots,
		interval:  2 * time.Second,
		now:       time.Now,
	}
}

// StartPolling polls for updates until ctx is done
func (ch *CommandHandler) StartPolling(ctx context.Context) error {
	if _, _, err := ch.bot.credentials(); err != nil {
		return err
	}

	ch.bot.logger.Infow("starting command polling")

	ticker := time.NewTicker(ch.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ch.bot.logger.Infow("command polling stopped")
			return nil
		case <-ticker.C:
			if err := ch.PollOnce(ctx); err != nil {
				ch.bot.logger.Warnw("failed to poll updates", "error", err)
			}
		}
	}
}

// PollOnce fetches pending updates and handles each command
func (ch *CommandHandler) PollOnce(ctx context.Context) error {
	token, authorizedChatID, err := ch.bot.credentials()
	if err != nil {
		return err
	}

	ch.mu.Lock()
	offset := ch.lastUpdateID + 1
	ch.mu.Unlock()

	raw, err := ch.bot.sendTelegramRequest(ctx, token, "getUpdates", map[string]interface{}{
		"offset":  offset,
		"timeout": 1,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch updates: %w", err)
	}

	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return fmt.Errorf("failed to parse updates: %w", err)
	}

	for _, update := range updates {
		ch.mu.Lock()
		if update.UpdateID > ch.lastUpdateID {
			ch.lastUpdateID = update.UpdateID
		}
		ch.mu.Unlock()

		if update.Message != nil {
			ch.handleMessage(ctx, update.Message, authorizedChatID)
		}
	}
	return nil
}

// handleMessage processes an incoming message
func (ch *CommandHandler) handleMessage(ctx context.Context, msg *TelegramMessage, authorizedChatID string) {
	if msg.Chat == nil {
		return
	}

	// Only respond to the authorized chat
	chatIDStr := strconv.FormatInt(msg.Chat.ID, 10)
	if chatIDStr != authorizedChatID {
		ch.bot.logger.Warnw("ignoring message from unauthorized chat", "chat", chatIDStr)
		return
	}

	if msg.Text == "" || !strings.HasPrefix(msg.Text, "/") {
		return
	}

	parts := strings.Fields(msg.Text)
	command := strings.ToLower(parts[0])
	args := parts[1:]

	// Remove bot username suffix if present (e.g., /status@mybot)
	if atIndex := strings.Index(command, "@"); atIndex != -1 {
		command = command[:atIndex]
	}

	var response string
	switch command {
	case "/start":
		response = ch.handleStart()
	case "/help":
		response = ch.handleHelp()
	case "/status":
		response = ch.handleStatus()
	case "/accidents":
		response = ch.handleAccidents(ctx, args)
	case "/location":
		response = ch.handleLocation()
	case "/snapshot":
		ch.handleSnapshot(ctx, args)
		return // Snapshot sends photo directly
	default:
		response = fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", html.EscapeString(command))
	}

	if response != "" {
		if err := ch.bot.SendMessage(ctx, response); err != nil {
			ch.bot.logger.Warnw("failed to send reply", "command", command, "error", err)
		}
	}
}

func (ch *CommandHandler) handleStart() string {
	return "🤖 <b>Welcome to Crashwatch!</b>\n\n" +
		"I'll notify you when an accident is detected on one of your cameras.\n\n" +
		"Use /help to see available commands."
}

func (ch *CommandHandler) handleHelp() string {
	return "📋 <b>Available Commands</b>\n\n" +
		"/status - System status\n" +
		"/accidents [limit] - Recent accidents\n" +
		"/location - Current camera location\n" +
		"/snapshot &lt;stream&gt; - Latest evaluated frame\n" +
		"/help - Show this help"
}

func (ch *CommandHandler) handleStatus() string {
	st := ch.backend.Status()

	detector := html.EscapeString(st.Detector)
	if st.Degraded {
		detector = "none (degraded mode)"
	}

	return fmt.Sprintf(
		"📊 <b>System Status</b>\n\n"+
			"⏱ Uptime: %s\n"+
			"📹 Streams: %d\n"+
			"🧠 Detector: %s\n"+
			"💾 Store: %s\n"+
			"🚨 Alerts sent: %d",
		formatDuration(ch.now().Sub(st.StartedAt)),
		len(st.Streams),
		detector,
		html.EscapeString(st.Store),
		st.AlertsSent,
	)
}

func (ch *CommandHandler) handleAccidents(ctx context.Context, args []string) string {
	limit := 5
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 20 {
			limit = n
		}
	}

	records, err := ch.backend.ListRecentAccidents(ctx, limit)
	if err != nil {
		return fmt.Sprintf("❌ Failed to load accidents: %s", html.EscapeString(err.Error()))
	}
	if len(records) == 0 {
		return "📋 <b>Recent Accidents</b>\n\nNo accidents recorded."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📋 <b>Recent Accidents</b> (last %d)\n\n", len(records)))
	for i, rec := range records {
		zoneName, _ := rec.Timestamp.Zone()
		timeStr := fmt.Sprintf("%s %s", rec.Timestamp.Format("Jan 2, 03:04 PM"), zoneName)
		sb.WriteString(fmt.Sprintf("%d. %s (%.2f, %d vehicles)\n   📹 %s\n   📍 %s\n",
			i+1, timeStr, rec.Confidence, rec.VehicleCount,
			html.EscapeString(rec.StreamID), html.EscapeString(rec.Location)))
	}
	return sb.String()
}

func (ch *CommandHandler) handleLocation() string {
	c := ch.backend.CurrentLocation()
	return fmt.Sprintf("📍 <b>Current Location</b>\n\n%s", location.FormatCoordinates(c.Lat, c.Lng))
}

func (ch *CommandHandler) handleSnapshot(ctx context.Context, args []string) {
	if len(args) == 0 {
		ch.bot.SendMessage(ctx, "⚠️ Usage: /snapshot &lt;stream&gt;")
		return
	}
	streamID := args[0]

	if ch.snapshots == nil {
		ch.bot.SendMessage(ctx, "⚠️ Snapshots are not available.")
		return
	}

	frame, err := ch.snapshots.Snapshot(streamID)
	if err != nil {
		ch.bot.SendMessage(ctx, fmt.Sprintf("❌ No frame for stream %s: %s", html.EscapeString(streamID), html.EscapeString(err.Error())))
		return
	}

	now := ch.now()
	zoneName, _ := now.Zone()
	caption := fmt.Sprintf("📸 <b>Snapshot</b>\n\n📹 Stream: %s\n🕐 Time: %s %s",
		html.EscapeString(streamID), now.Format("Jan 2, 2006, 03:04:05 PM"), zoneName)

	if err := ch.bot.SendPhoto(ctx, frame, caption); err != nil {
		ch.bot.SendMessage(ctx, fmt.Sprintf("❌ Failed to send snapshot: %s", html.EscapeString(err.Error())))
	}
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
