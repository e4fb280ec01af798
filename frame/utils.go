package frame

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

var ErrMalformed = errors.New("malformed frame")

// DecodeRawFrame converts a raw pixel buffer into an image. The buffer length
// must match the frame shape exactly.
func DecodeRawFrame(frame Frame) (image.Image, error) {
	width := int(frame.Width)
	height := int(frame.Height)
	channels := frame.Format.Channels()
	if channels == 0 {
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", frame.Format)
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrMalformed, "shape %dx%d", width, height)
	}
	if want := width * height * channels; len(frame.Data) != want {
		return nil, errors.Wrapf(ErrMalformed, "got %d bytes, want %d", len(frame.Data), want)
	}

	data := frame.Data
	if frame.Format == FormatGray {
		img := image.NewGray(image.Rect(0, 0, width, height))
		copy(img.Pix, data)
		return img, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * channels
			var c color.RGBA
			switch frame.Format {
			case FormatBGR24:
				c = color.RGBA{R: data[i+2], G: data[i+1], B: data[i], A: 255}
			case FormatRGB24:
				c = color.RGBA{R: data[i], G: data[i+1], B: data[i+2], A: 255}
			case FormatRGBA:
				c = color.RGBA{R: data[i], G: data[i+1], B: data[i+2], A: data[i+3]}
			}
			img.SetRGBA(x, y, c)
		}
	}

	return img, nil
}

// Placeholder returns an all-black image of the given shape.
func Placeholder(width, height int) image.Image {
	if width <= 0 || height <= 0 {
		width, height = PlaceholderWidth, PlaceholderHeight
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}
