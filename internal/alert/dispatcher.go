package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"crashwatch/internal/location"
	"crashwatch/internal/pipeline"
	"crashwatch/internal/store"
)

// DefaultTimeout bounds each network operation of a dispatch
const DefaultTimeout = 15 * time.Second

// Channel names used in dispatch reports
const (
	ChannelPrimary  = "primary_store"
	ChannelMirror   = "mirror_store"
	ChannelSMS      = "sms"
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"
	ChannelLive     = "live"
)

// SMSSender sends one text message to one phone number
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// EmailSender sends one email to a batch of recipients
type EmailSender interface {
	SendEmail(ctx context.Context, recipients []string, subject, body string) error
}

// PhotoSender posts an alert, with an optional JPEG, to a chat
type PhotoSender interface {
	SendAlert(ctx context.Context, caption string, photo []byte) error
}

// Pacer is implemented by senders that throttle their own traffic. Wait
// blocks until the next send may start; the per-send timeout starts after it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// SnapshotFunc renders the frame that triggered an alert with a one-line banner
type SnapshotFunc func(frame *pipeline.Frame, boxes []pipeline.VehicleBox, banner string) ([]byte, error)

// Evidence describes an accident that passed the gate
type Evidence struct {
	StreamID     string
	Timestamp    time.Time
	Confidence   float64
	VehicleCount int
	Coordinates  store.Coordinates
	Boxes        []pipeline.VehicleBox
	Degraded     bool
	Frame        *pipeline.Frame // optional, used for photo alerts
}

// State of one channel after a dispatch
type State string

const (
	StateSent    State = "sent"
	StateFailed  State = "failed"
	StateSkipped State = "skipped"
)

// ChannelStatus is the outcome of one channel (or one SMS recipient)
type ChannelStatus struct {
	Channel string `json:"channel"`
	Target  string `json:"target,omitempty"`
	State   State  `json:"state"`
	Error   string `json:"error,omitempty"`
}

// Report summarizes a dispatch
type Report struct {
	Record     *store.AccidentRecord `json:"record"`
	Channels   []ChannelStatus       `json:"channels"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`

	mu sync.Mutex
}

func (r *Report) add(channel, target string, state State, err error) {
	cs := ChannelStatus{Channel: channel, Target: target, State: state}
	if err != nil {
		cs.Error = err.Error()
	}
	r.mu.Lock()
	r.Channels = append(r.Channels, cs)
	r.mu.Unlock()
}

// Lookup returns the statuses recorded for a channel
func (r *Report) Lookup(channel string) []ChannelStatus {
	var out []ChannelStatus
	for _, c := range r.Channels {
		if c.Channel == channel {
			out = append(out, c)
		}
	}
	return out
}

// Failed returns the number of failed channel attempts
func (r *Report) Failed() int {
	n := 0
	for _, c := range r.Channels {
		if c.State == StateFailed {
			n++
		}
	}
	return n
}

// Config wires a Dispatcher to its channels. Nil senders and empty
// recipient lists mean the channel is not configured.
type Config struct {
	Primary         store.Store
	Mirror          store.Store
	SMS             SMSSender
	SMSRecipients   []string
	Email           EmailSender
	EmailRecipients []string
	Telegram        PhotoSender
	Snapshot        SnapshotFunc
	Locator         location.Locator
	Bus             *EventBus
	Timeout         time.Duration
	Clock           clock.Clock
	Logger          *zap.SugaredLogger
}

// Dispatcher fans a gated accident out to every configured channel
type Dispatcher struct {
	cfg    Config
	logger *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher. Primary falls back to an in-memory store.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Primary == nil {
		cfg.Primary = store.NewMemoryStore(0)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{cfg: cfg, logger: cfg.Logger.Named("dispatcher")}
}

// Primary returns the store records are written to
func (d *Dispatcher) Primary() store.Store {
	return d.cfg.Primary
}

// NotificationsConfigured reports whether at least one outbound
// notification channel is set up
func (d *Dispatcher) NotificationsConfigured() bool {
	return d.smsConfigured() || d.emailConfigured() || d.cfg.Telegram != nil
}

func (d *Dispatcher) smsConfigured() bool {
	return d.cfg.SMS != nil && len(d.cfg.SMSRecipients) > 0
}

func (d *Dispatcher) emailConfigured() bool {
	return d.cfg.Email != nil && len(d.cfg.EmailRecipients) > 0
}

// Dispatch records the accident and notifies every configured channel.
// Channels run concurrently and independently; a failure in one never
// affects another and nothing is returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Evidence) *Report {
	report := &Report{StartedAt: d.cfg.Clock.Now()}

	place := d.describe(ctx, ev.Coordinates)

	status := store.StatusDetected
	if d.NotificationsConfigured() {
		status = store.StatusAlertSent
	}

	rec := &store.AccidentRecord{
		ID:           uuid.NewString(),
		StreamID:     ev.StreamID,
		Timestamp:    ev.Timestamp,
		Location:     place,
		Coordinates:  ev.Coordinates,
		Confidence:   ev.Confidence,
		VehicleCount: ev.VehicleCount,
		Status:       status,
	}
	report.Record = rec

	var g errgroup.Group
	run := func(channel, target string, pace func(ctx context.Context) error, fn func(ctx context.Context) error) {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Errorw("channel panicked", "channel", channel, "target", target, "panic", r)
					report.add(channel, target, StateFailed, fmt.Errorf("panic: %v", r))
				}
			}()

			if pace != nil {
				if err := pace(ctx); err != nil {
					d.logger.Warnw("alert channel not attempted", "channel", channel, "target", target, "stream", rec.StreamID, "error", err)
					report.add(channel, target, StateFailed, fmt.Errorf("pacing: %w", err))
					return nil
				}
			}

			cctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()

			if err := fn(cctx); err != nil {
				d.logger.Warnw("alert channel failed", "channel", channel, "target", target, "stream", rec.StreamID, "error", err)
				report.add(channel, target, StateFailed, err)
				return nil
			}
			report.add(channel, target, StateSent, nil)
			return nil
		})
	}

	run(ChannelPrimary, d.cfg.Primary.Name(), nil, func(ctx context.Context) error {
		return d.cfg.Primary.Insert(ctx, rec)
	})

	if d.cfg.Mirror != nil {
		run(ChannelMirror, d.cfg.Mirror.Name(), nil, func(ctx context.Context) error {
			return d.cfg.Mirror.Insert(ctx, rec)
		})
	} else {
		report.add(ChannelMirror, "", StateSkipped, nil)
	}

	if d.smsConfigured() {
		body := FormatSMS(rec)
		var pace func(ctx context.Context) error
		if p, ok := d.cfg.SMS.(Pacer); ok {
			pace = p.Wait
		}
		for _, to := range d.cfg.SMSRecipients {
			to := to
			run(ChannelSMS, to, pace, func(ctx context.Context) error {
				return d.cfg.SMS.SendSMS(ctx, to, body)
			})
		}
	} else {
		report.add(ChannelSMS, "", StateSkipped, nil)
	}

	if d.emailConfigured() {
		subject, body := FormatEmail(rec)
		run(ChannelEmail, "", nil, func(ctx context.Context) error {
			return d.cfg.Email.SendEmail(ctx, d.cfg.EmailRecipients, subject, body)
		})
	} else {
		report.add(ChannelEmail, "", StateSkipped, nil)
	}

	if d.cfg.Telegram != nil {
		caption := FormatCaption(rec)
		run(ChannelTelegram, "", nil, func(ctx context.Context) error {
			return d.cfg.Telegram.SendAlert(ctx, caption, d.snapshot(ev))
		})
	} else {
		report.add(ChannelTelegram, "", StateSkipped, nil)
	}

	_ = g.Wait()

	if d.cfg.Bus != nil {
		report.FinishedAt = d.cfg.Clock.Now()
		if err := d.publish(&Event{Record: rec, Boxes: ev.Boxes, Degraded: ev.Degraded, Channels: sortedChannels(report)}); err != nil {
			report.add(ChannelLive, "", StateFailed, err)
		} else {
			report.add(ChannelLive, "", StateSent, nil)
		}
	} else {
		report.add(ChannelLive, "", StateSkipped, nil)
	}

	report.Channels = sortedChannels(report)
	report.FinishedAt = d.cfg.Clock.Now()

	d.logger.Infow("alert dispatched",
		"id", rec.ID,
		"stream", rec.StreamID,
		"location", rec.Location,
		"confidence", rec.Confidence,
		"vehicles", rec.VehicleCount,
		"status", rec.Status,
		"failed_channels", report.Failed(),
	)
	return report
}

// describe resolves a place name, falling back to the literal coordinates
// when the locator fails or panics
func (d *Dispatcher) describe(ctx context.Context, c store.Coordinates) (place string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("locator panicked", "panic", r)
			place = location.FormatCoordinates(c.Lat, c.Lng)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return location.Describe(ctx, d.cfg.Locator, c)
}

// publish hands the event to bus subscribers, which run synchronously
func (d *Dispatcher) publish(ev *Event) error {
	err := d.cfg.Bus.Publish(ev)
	if err != nil {
		d.logger.Errorw("alert subscriber failed", "stream", ev.Record.StreamID, "error", err)
	}
	return err
}

// snapshot renders the alert photo, or returns nil when it can't
func (d *Dispatcher) snapshot(ev Evidence) []byte {
	if d.cfg.Snapshot == nil || ev.Frame == nil {
		return nil
	}
	img, err := d.cfg.Snapshot(ev.Frame, ev.Boxes, Banner(ev.Confidence, ev.Timestamp))
	if err != nil {
		d.logger.Warnw("failed to render alert snapshot", "stream", ev.StreamID, "error", err)
		return nil
	}
	return img
}

func sortedChannels(r *Report) []ChannelStatus {
	r.mu.Lock()
	out := make([]ChannelStatus, len(r.Channels))
	copy(out, r.Channels)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Target < out[j].Target
	})
	return out
}
