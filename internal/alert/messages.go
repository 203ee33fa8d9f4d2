package alert

import (
	"fmt"
	"html"
	"strings"
	"time"

	"crashwatch/internal/location"
	"crashwatch/internal/store"
)

// TimeLayout is the timestamp format used in alert texts
const TimeLayout = "2006-01-02 15:04:05"

const emailSubject = "ACCIDENT DETECTED"

// FormatSMS renders the SMS body for a record
func FormatSMS(rec *store.AccidentRecord) string {
	var b strings.Builder
	b.WriteString("🚨 ACCIDENT DETECTED 🚨\n\n")
	writeDetails(&b, rec)
	b.WriteString("\nPlease dispatch emergency services immediately!")
	return b.String()
}

// FormatEmail renders the email subject and body for a record
func FormatEmail(rec *store.AccidentRecord) (string, string) {
	var b strings.Builder
	b.WriteString("ACCIDENT DETECTED\n\n")
	writeDetails(&b, rec)
	return emailSubject, b.String()
}

// FormatCaption renders an HTML caption for photo channels
func FormatCaption(rec *store.AccidentRecord) string {
	return fmt.Sprintf(
		"🚨 <b>Accident Detected!</b>\n\n"+
			"📹 Camera: %s\n"+
			"📍 Location: %s\n"+
			"🧭 Coordinates: %s\n"+
			"🎯 Confidence: %.2f\n"+
			"🚗 Vehicles: %d\n"+
			"🕐 Time: %s",
		html.EscapeString(rec.StreamID),
		html.EscapeString(rec.Location),
		location.FormatCoordinates(rec.Coordinates.Lat, rec.Coordinates.Lng),
		rec.Confidence,
		rec.VehicleCount,
		rec.Timestamp.Format(TimeLayout),
	)
}

func writeDetails(b *strings.Builder, rec *store.AccidentRecord) {
	fmt.Fprintf(b, "Location: %s\n", rec.Location)
	fmt.Fprintf(b, "Coordinates: %s\n", location.FormatCoordinates(rec.Coordinates.Lat, rec.Coordinates.Lng))
	fmt.Fprintf(b, "Confidence: %.2f\n", rec.Confidence)
	fmt.Fprintf(b, "Vehicles Detected: %d\n", rec.VehicleCount)
	fmt.Fprintf(b, "Time: %s\n", rec.Timestamp.Format(TimeLayout))
}

// Banner is the single line drawn on alert snapshots
func Banner(confidence float64, ts time.Time) string {
	return fmt.Sprintf("ACCIDENT %.2f  %s", confidence, ts.Format(TimeLayout))
}
