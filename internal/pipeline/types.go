package pipeline

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"
	"time"
)

// ErrMalformedFrame is returned when a frame's pixel buffer does not match its
// declared geometry
var ErrMalformedFrame = errors.New("malformed frame")

// Frame represents a decoded video frame from one camera stream
type Frame struct {
	StreamID  string    // Stream (camera) identifier
	Seq       uint64    // Frame sequence number
	Timestamp time.Time // Capture timestamp
	Width     int       // Width in pixels
	Height    int       // Height in pixels
	Channels  int       // 1 (gray), 3 (RGB) or 4 (RGBA)
	Pix       []byte    // Interleaved 8-bit samples, row-major
}

// Validate checks the frame geometry against its pixel buffer
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrMalformedFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: invalid size %dx%d", ErrMalformedFrame, f.Width, f.Height)
	}
	switch f.Channels {
	case 1, 3, 4:
	default:
		return fmt.Errorf("%w: unsupported channel count %d", ErrMalformedFrame, f.Channels)
	}
	if f.Width > math.MaxInt/f.Height/f.Channels {
		return fmt.Errorf("%w: size %dx%d overflows", ErrMalformedFrame, f.Width, f.Height)
	}
	if want := f.Width * f.Height * f.Channels; len(f.Pix) != want {
		return fmt.Errorf("%w: pixel buffer has %d bytes, want %d", ErrMalformedFrame, len(f.Pix), want)
	}
	return nil
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Pix = make([]byte, len(f.Pix))
	copy(c.Pix, f.Pix)
	return &c
}

// SameSize reports whether two frames have identical dimensions
func (f *Frame) SameSize(other *Frame) bool {
	return f != nil && other != nil && f.Width == other.Width && f.Height == other.Height
}

// Luma returns the Rec.601 luminance of the pixel at offset i (in pixels)
func (f *Frame) Luma(i int) float64 {
	switch f.Channels {
	case 1:
		return float64(f.Pix[i])
	default:
		p := f.Pix[i*f.Channels:]
		return 0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])
	}
}

// ToImage converts the frame into an RGBA image
func (f *Frame) ToImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		dst := img.Pix[i*4 : i*4+4]
		switch f.Channels {
		case 1:
			v := f.Pix[i]
			dst[0], dst[1], dst[2] = v, v, v
		default:
			src := f.Pix[i*f.Channels:]
			dst[0], dst[1], dst[2] = src[0], src[1], src[2]
		}
		dst[3] = 0xff
	}
	return img
}

// BBox represents a bounding box in pixel coordinates
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Detection represents a single object detection result
type Detection struct {
	ClassID    int     `json:"class_id"`   // COCO class index
	Class      string  `json:"class"`      // Class label (car, truck, etc.)
	Confidence float32 `json:"confidence"` // Detection confidence [0-1]
	BBox       BBox    `json:"bbox"`
}

// VehicleBox is a vehicle detection kept for overlays
type VehicleBox struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// COCO class ids counted as vehicles
const (
	ClassCar        = 2
	ClassMotorcycle = 3
	ClassBus        = 5
	ClassTruck      = 7
)

var vehicleClasses = map[int]string{
	ClassCar:        "car",
	ClassMotorcycle: "motorcycle",
	ClassBus:        "bus",
	ClassTruck:      "truck",
}

// IsVehicle reports whether a COCO class id is one of the vehicle classes
func IsVehicle(classID int) bool {
	_, ok := vehicleClasses[classID]
	return ok
}

// VehicleClassID maps a vehicle label back to its COCO id, or -1 if the label
// is not a vehicle
func VehicleClassID(label string) int {
	for id, name := range vehicleClasses {
		if strings.EqualFold(name, label) {
			return id
		}
	}
	return -1
}

// VehicleClassName returns the label for a vehicle class id
func VehicleClassName(classID int) string {
	return vehicleClasses[classID]
}
