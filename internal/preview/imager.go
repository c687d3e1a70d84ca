// Package preview turns preview windows into images and shows them on a
// Surface. Everything here is best-effort: nothing on this path may hold up
// the durable writer.
package preview

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/banshee-data/stereo-recorder/internal/stereo"
)

// FallbackResolution is used when a sensor does not report one.
var FallbackResolution = stereo.Resolution{Width: 640, Height: 480}

var (
	BackgroundColor = color.RGBA{0xff, 0xff, 0xff, 0xff}
	PositiveColor   = color.RGBA{0x00, 0x5b, 0xb7, 0xff}
	NegativeColor   = color.RGBA{0x28, 0x28, 0x28, 0xff}
)

// EventImager accumulates events into an image the size of the sensor.
type EventImager struct {
	res stereo.Resolution
}

// NewEventImager returns an imager for res, or FallbackResolution when res
// is empty.
func NewEventImager(res stereo.Resolution) *EventImager {
	if res.Width <= 0 || res.Height <= 0 {
		res = FallbackResolution
	}
	return &EventImager{res: res}
}

// Resolution returns the image size.
func (im *EventImager) Resolution() stereo.Resolution { return im.res }

// Render draws events onto a fresh image. Later events overwrite earlier
// ones at the same pixel; events outside the sensor area are skipped.
func (im *EventImager) Render(events []stereo.Event) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, im.res.Width, im.res.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{BackgroundColor}, image.Point{}, draw.Src)

	for _, e := range events {
		x, y := int(e.X), int(e.Y)
		if x < 0 || y < 0 || x >= im.res.Width || y >= im.res.Height {
			continue
		}
		if e.Polarity {
			img.SetRGBA(x, y, PositiveColor)
		} else {
			img.SetRGBA(x, y, NegativeColor)
		}
	}
	return img
}
