package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultJPEGQuality matches the quality used for overlays and snapshots
const DefaultJPEGQuality = 85

// DefaultMaxFramePixels bounds the canvas a decoded image may declare (4096x4096)
const DefaultMaxFramePixels = 4096 * 4096

// DecodeFrame decodes an encoded image (JPEG, PNG, GIF, BMP, TIFF or WebP) into
// an RGB frame of at most DefaultMaxFramePixels pixels
func DecodeFrame(streamID string, seq uint64, ts time.Time, data []byte) (*Frame, error) {
	return DecodeFrameLimit(streamID, seq, ts, data, DefaultMaxFramePixels)
}

// DecodeFrameLimit is DecodeFrame with an explicit pixel bound. The header is
// checked before any pixel data is decoded.
func DecodeFrameLimit(streamID string, seq uint64, ts time.Time, data []byte, maxPixels int) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image payload", ErrMalformedFrame)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxFramePixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read image header: %v", ErrMalformedFrame, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrMalformedFrame, cfg.Width, cfg.Height)
	}
	if cfg.Width > maxPixels/cfg.Height {
		return nil, fmt.Errorf("%w: image %dx%d exceeds %d pixels", ErrMalformedFrame, cfg.Width, cfg.Height, maxPixels)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode image: %v", ErrMalformedFrame, err)
	}

	bounds := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, bounds.Min, draw.Src)

	w, h := bounds.Dx(), bounds.Dy()
	pix := make([]byte, w*h*3)
	for i := 0; i < w*h; i++ {
		copy(pix[i*3:i*3+3], rgba.Pix[i*4:i*4+3])
	}

	frame := &Frame{
		StreamID:  streamID,
		Seq:       seq,
		Timestamp: ts,
		Width:     w,
		Height:    h,
		Channels:  3,
		Pix:       pix,
	}
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("decoded %s image: %w", format, err)
	}
	return frame, nil
}

// EncodeJPEG encodes the frame as a JPEG image
func (f *Frame) EncodeJPEG(quality int) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.ToImage(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
