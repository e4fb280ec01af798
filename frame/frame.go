package frame

import (
	"github.com/pkg/errors"
)

type Format string

const (
	FormatBGR24 Format = "bgr24"
	FormatRGB24 Format = "rgb24"
	FormatRGBA  Format = "rgba"
	FormatGray  Format = "gray"
)

const DefaultFormat = FormatBGR24

// Placeholder shape served before the first frame arrives.
const (
	PlaceholderWidth  = 300
	PlaceholderHeight = 300
)

var ErrUnknownFormat = errors.New("unknown frame format")

// Frame is one raw image buffer as produced by the host.
type Frame struct {
	Data   []byte
	Width  uint32
	Height uint32
	Format Format
}

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatBGR24, FormatRGB24, FormatRGBA, FormatGray:
		return f, nil
	}
	return "", errors.Wrapf(ErrUnknownFormat, "%q", s)
}

// Channels returns the number of bytes per pixel.
func (f Format) Channels() int {
	switch f {
	case FormatBGR24, FormatRGB24:
		return 3
	case FormatRGBA:
		return 4
	case FormatGray:
		return 1
	}
	return 0
}

// Size returns the byte length of a width x height frame in this format.
func (f Format) Size(width, height int) int {
	return width * height * f.Channels()
}
