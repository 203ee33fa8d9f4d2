package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"crashwatch/internal/pipeline"
	"crashwatch/internal/store"
)

type fakeSMS struct {
	mu   sync.Mutex
	sent map[string]string
	fail map[string]bool
}

func (f *fakeSMS) SendSMS(ctx context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[to] {
		return errors.New("carrier rejected number")
	}
	if f.sent == nil {
		f.sent = make(map[string]string)
	}
	f.sent[to] = body
	return nil
}

type fakeEmail struct {
	calls      int
	recipients []string
	subject    string
	body       string
	err        error
}

func (f *fakeEmail) SendEmail(ctx context.Context, recipients []string, subject, body string) error {
	f.calls++
	f.recipients = recipients
	f.subject = subject
	f.body = body
	return f.err
}

type fakeTelegram struct {
	caption string
	photo   []byte
	panics  bool
}

func (f *fakeTelegram) SendAlert(ctx context.Context, caption string, photo []byte) error {
	if f.panics {
		panic("boom")
	}
	f.caption = caption
	f.photo = photo
	return nil
}

type failingStore struct{ *store.MemoryStore }

func (f failingStore) Name() string { return "broken" }
func (f failingStore) Insert(ctx context.Context, rec *store.AccidentRecord) error {
	return errors.New("disk full")
}

type blockingStore struct{ *store.MemoryStore }

func (b blockingStore) Insert(ctx context.Context, rec *store.AccidentRecord) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeLocator struct {
	addr string
	err  error
}

func (f fakeLocator) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	return f.addr, f.err
}

func evidence(clk clock.Clock) Evidence {
	return Evidence{
		StreamID:     "cam-7",
		Timestamp:    clk.Now(),
		Confidence:   0.8734,
		VehicleCount: 2,
		Coordinates:  store.Coordinates{Lat: 28.6139, Lng: 77.209},
	}
}

func single(t *testing.T, r *Report, channel string) ChannelStatus {
	t.Helper()
	got := r.Lookup(channel)
	require.Len(t, got, 1, "channel %s", channel)
	return got[0]
}

func TestDispatchAllChannels(t *testing.T) {
	clk := clock.NewMock()
	primary := store.NewMemoryStore(0)
	mirror := store.NewMemoryStore(0)
	sms := &fakeSMS{fail: map[string]bool{"+15550002": true}}
	email := &fakeEmail{}
	tg := &fakeTelegram{}
	bus := NewEventBus()
	events, unsubscribe := bus.SubscribeChannel("", 1)
	defer unsubscribe()

	d := NewDispatcher(Config{
		Primary:         primary,
		Mirror:          mirror,
		SMS:             sms,
		SMSRecipients:   []string{"+15550001", "+15550002", "+15550003"},
		Email:           email,
		EmailRecipients: []string{"ops@example.com", "dispatch@example.com"},
		Telegram:        tg,
		Snapshot: func(frame *pipeline.Frame, boxes []pipeline.VehicleBox, caption string) ([]byte, error) {
			return []byte("jpeg"), nil
		},
		Locator: fakeLocator{addr: "Connaught Place, New Delhi"},
		Bus:     bus,
		Clock:   clk,
	})

	ev := evidence(clk)
	ev.Frame = &pipeline.Frame{Width: 1, Height: 1, Channels: 1, Pix: []byte{0}}
	r := d.Dispatch(context.Background(), ev)

	require.NotNil(t, r.Record)
	assert.NotEmpty(t, r.Record.ID)
	assert.Equal(t, store.StatusAlertSent, r.Record.Status)
	assert.Equal(t, "Connaught Place, New Delhi", r.Record.Location)

	assert.Equal(t, StateSent, single(t, r, ChannelPrimary).State)
	assert.Equal(t, StateSent, single(t, r, ChannelMirror).State)
	assert.Equal(t, StateSent, single(t, r, ChannelEmail).State)
	assert.Equal(t, StateSent, single(t, r, ChannelTelegram).State)
	assert.Equal(t, StateSent, single(t, r, ChannelLive).State)

	smsStatus := r.Lookup(ChannelSMS)
	require.Len(t, smsStatus, 3)
	assert.Equal(t, "+15550001", smsStatus[0].Target)
	assert.Equal(t, StateSent, smsStatus[0].State)
	assert.Equal(t, StateFailed, smsStatus[1].State)
	assert.Contains(t, smsStatus[1].Error, "carrier rejected")
	assert.Equal(t, StateSent, smsStatus[2].State)
	assert.Len(t, sms.sent, 2, "a failing recipient doesn't stop the others")

	assert.Equal(t, 1, email.calls)
	assert.Equal(t, "ACCIDENT DETECTED", email.subject)
	assert.Equal(t, []string{"ops@example.com", "dispatch@example.com"}, email.recipients)
	assert.Contains(t, email.body, "Confidence: 0.87")
	assert.Contains(t, email.body, "Vehicles Detected: 2")
	assert.Contains(t, email.body, "Coordinates: 28.6139, 77.209")

	assert.Equal(t, []byte("jpeg"), tg.photo)
	assert.Contains(t, tg.caption, "cam-7")

	for _, s := range []*store.MemoryStore{primary, mirror} {
		recs, err := s.Recent(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, r.Record.ID, recs[0].ID)
	}

	select {
	case e := <-events:
		assert.Equal(t, r.Record.ID, e.Record.ID)
	default:
		t.Fatal("expected live event")
	}
}

func TestDispatchUnconfiguredChannelsAreSkipped(t *testing.T) {
	clk := clock.NewMock()
	d := NewDispatcher(Config{Clock: clk})

	r := d.Dispatch(context.Background(), evidence(clk))

	assert.Equal(t, store.StatusDetected, r.Record.Status)
	assert.Equal(t, "28.6139, 77.209", r.Record.Location, "no geocoder falls back to coordinates")
	assert.Equal(t, StateSent, single(t, r, ChannelPrimary).State)
	for _, ch := range []string{ChannelMirror, ChannelSMS, ChannelEmail, ChannelTelegram, ChannelLive} {
		assert.Equal(t, StateSkipped, single(t, r, ch).State, ch)
	}
	assert.Zero(t, r.Failed())

	recs, err := d.Primary().Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "memory", d.Primary().Name())
}

func TestDispatchEmailWithoutRecipientsIsSkipped(t *testing.T) {
	clk := clock.NewMock()
	email := &fakeEmail{}
	d := NewDispatcher(Config{Email: email, Clock: clk})

	r := d.Dispatch(context.Background(), evidence(clk))
	assert.Equal(t, StateSkipped, single(t, r, ChannelEmail).State)
	assert.Zero(t, email.calls)
	assert.Equal(t, store.StatusDetected, r.Record.Status)
}

func TestDispatchFailuresAreIsolated(t *testing.T) {
	clk := clock.NewMock()
	mirror := store.NewMemoryStore(0)
	email := &fakeEmail{err: errors.New("smtp: 535 auth failed")}
	d := NewDispatcher(Config{
		Primary:         failingStore{store.NewMemoryStore(0)},
		Mirror:          mirror,
		Email:           email,
		EmailRecipients: []string{"ops@example.com"},
		Telegram:        &fakeTelegram{panics: true},
		Locator:         fakeLocator{err: errors.New("geocoder down")},
		Clock:           clk,
	})

	r := d.Dispatch(context.Background(), evidence(clk))

	assert.Equal(t, StateFailed, single(t, r, ChannelPrimary).State)
	assert.Equal(t, StateSent, single(t, r, ChannelMirror).State, "mirror is independent of primary")
	assert.Equal(t, StateFailed, single(t, r, ChannelEmail).State)
	tgStatus := single(t, r, ChannelTelegram)
	assert.Equal(t, StateFailed, tgStatus.State)
	assert.True(t, strings.HasPrefix(tgStatus.Error, "panic"))
	assert.Equal(t, 3, r.Failed())
	assert.Equal(t, "28.6139, 77.209", r.Record.Location)

	recs, err := mirror.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDispatchTimeoutBoundsSlowChannels(t *testing.T) {
	clk := clock.NewMock()
	d := NewDispatcher(Config{
		Primary: blockingStore{store.NewMemoryStore(0)},
		Timeout: 20 * time.Millisecond,
		Clock:   clk,
	})

	start := time.Now()
	r := d.Dispatch(context.Background(), evidence(clk))
	assert.Less(t, time.Since(start), 5*time.Second)

	st := single(t, r, ChannelPrimary)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "deadline exceeded")
}

func TestFormatSMS(t *testing.T) {
	rec := &store.AccidentRecord{
		StreamID:     "cam-1",
		Timestamp:    time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
		Location:     "Ring Road",
		Coordinates:  store.Coordinates{Lat: 28.5, Lng: 77.25},
		Confidence:   1.234,
		VehicleCount: 3,
	}
	msg := FormatSMS(rec)
	assert.Contains(t, msg, "ACCIDENT DETECTED")
	assert.Contains(t, msg, "Location: Ring Road")
	assert.Contains(t, msg, "Coordinates: 28.5, 77.25")
	assert.Contains(t, msg, "Confidence: 1.23")
	assert.Contains(t, msg, "Vehicles Detected: 3")
	assert.Contains(t, msg, "Time: 2024-05-06 07:08:09")
	assert.Contains(t, msg, "Please dispatch emergency services immediately!")
}

func TestEventBusStreamFilter(t *testing.T) {
	bus := NewEventBus()
	var got []string
	unsubscribe := bus.SubscribeStream("cam-1", EventHandlerFunc(func(e *Event) {
		got = append(got, e.Record.ID)
	}))

	bus.Publish(&Event{Record: &store.AccidentRecord{ID: "a", StreamID: "cam-1"}})
	bus.Publish(&Event{Record: &store.AccidentRecord{ID: "b", StreamID: "cam-2"}})
	bus.Publish(nil)
	assert.Equal(t, []string{"a"}, got)

	unsubscribe()
	assert.Zero(t, bus.SubscriberCount())
}

type pacedSMS struct {
	fakeSMS
	limiter *rate.Limiter
}

func (p *pacedSMS) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func TestDispatchPacingDoesNotConsumeSendTimeout(t *testing.T) {
	clk := clock.NewMock()
	recipients := make([]string, 10)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("+1555000%02d", i)
	}
	// ten sends at one per 20ms take far longer than one 50ms timeout
	sms := &pacedSMS{limiter: rate.NewLimiter(rate.Every(20*time.Millisecond), 1)}

	d := NewDispatcher(Config{
		SMS:           sms,
		SMSRecipients: recipients,
		Timeout:       50 * time.Millisecond,
		Clock:         clk,
	})

	r := d.Dispatch(context.Background(), evidence(clk))

	statuses := r.Lookup(ChannelSMS)
	require.Len(t, statuses, len(recipients))
	for _, st := range statuses {
		assert.Equal(t, StateSent, st.State, st.Target)
	}
	assert.Len(t, sms.sent, len(recipients))
}

func TestDispatchPacingHonorsCallerContext(t *testing.T) {
	clk := clock.NewMock()
	sms := &pacedSMS{limiter: rate.NewLimiter(rate.Every(time.Hour), 1)}
	d := NewDispatcher(Config{
		SMS:           sms,
		SMSRecipients: []string{"+15550001", "+15550002"},
		Clock:         clk,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := d.Dispatch(ctx, evidence(clk))

	statuses := r.Lookup(ChannelSMS)
	require.Len(t, statuses, 2)
	states := []State{statuses[0].State, statuses[1].State}
	assert.ElementsMatch(t, []State{StateSent, StateFailed}, states)
	assert.Len(t, sms.sent, 1)
}

type panickingLocator struct{}

func (panickingLocator) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	panic("geocoder exploded")
}

func TestDispatchSurvivesPanickingLocatorAndSubscriber(t *testing.T) {
	clk := clock.NewMock()
	primary := store.NewMemoryStore(0)
	bus := NewEventBus()
	bus.Subscribe(EventHandlerFunc(func(e *Event) { panic("subscriber exploded") }))
	events, unsubscribe := bus.SubscribeChannel("", 1)
	defer unsubscribe()

	d := NewDispatcher(Config{
		Primary: primary,
		Locator: panickingLocator{},
		Bus:     bus,
		Clock:   clk,
	})

	var r *Report
	require.NotPanics(t, func() { r = d.Dispatch(context.Background(), evidence(clk)) })

	assert.Equal(t, "28.6139, 77.209", r.Record.Location)
	assert.Equal(t, StateSent, single(t, r, ChannelPrimary).State)
	live := single(t, r, ChannelLive)
	assert.Equal(t, StateFailed, live.State)
	assert.Contains(t, live.Error, "subscriber exploded")
	assert.Equal(t, 1, primary.Len())

	select {
	case e := <-events:
		assert.Equal(t, r.Record.ID, e.Record.ID)
	default:
		t.Fatal("other subscribers still receive the event")
	}
}
