package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"crashwatch/internal/pipeline"
)

var (
	vehicleColor = color.RGBA{255, 200, 0, 255}
	bannerColor  = color.RGBA{255, 60, 60, 255}
)

// Annotate renders a frame with vehicle boxes and an optional banner line
// across the top, encoded as JPEG
func Annotate(frame *pipeline.Frame, boxes []pipeline.VehicleBox, banner string) ([]byte, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	rgba := frame.ToImage()

	for _, b := range boxes {
		x, y := int(b.BBox.X1), int(b.BBox.Y1)
		w, h := int(b.BBox.X2-b.BBox.X1), int(b.BBox.Y2-b.BBox.Y1)
		drawBox(rgba, x, y, w, h, vehicleColor, 2)
		label := fmt.Sprintf("%s %.0f%%", b.Class, b.Confidence*100)
		drawLabel(rgba, x, y-15, label, vehicleColor)
	}

	if banner != "" {
		drawLabel(rgba, 4, 4, banner, bannerColor)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: pipeline.DefaultJPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// drawBox draws a rectangle on the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()

	for t := 0; t < thickness; t++ {
		// Top edge
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if y+t >= 0 && y+t < bounds.Max.Y && i >= 0 {
				img.Set(i, y+t, c)
			}
		}
		// Bottom edge
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if y+h-t >= 0 && y+h-t < bounds.Max.Y && i >= 0 {
				img.Set(i, y+h-t, c)
			}
		}
		// Left edge
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if x+t >= 0 && x+t < bounds.Max.X && j >= 0 {
				img.Set(x+t, j, c)
			}
		}
		// Right edge
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if x+w-t >= 0 && x+w-t < bounds.Max.X && j >= 0 {
				img.Set(x+w-t, j, c)
			}
		}
	}
}

// drawLabel draws text on a dark background at (x, y), the top-left corner
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	bounds := img.Bounds()
	bgColor := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 14; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if px >= 0 && px < bounds.Max.X && py >= 0 && py < bounds.Max.Y {
				img.Set(px, py, bgColor)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 11)},
	}
	d.DrawString(label)
}
