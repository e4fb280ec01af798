package web_rtc

import (
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
)

// EncoderFactory builds an encoder that pulls raw images from r.
type EncoderFactory func(r video.Reader, width, height, fps int) (codec.ReadCloser, error)

const (
	vp8BitRate     = 2_000_000
	keyFrameFactor = 2
)

// VP8 encodes with libvpx and emits a key frame every two seconds.
func VP8(r video.Reader, width, height, fps int) (codec.ReadCloser, error) {
	params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create VP8 params")
	}
	params.BitRate = vp8BitRate
	params.KeyFrameInterval = keyFrameFactor * fps

	encoder, err := params.BuildVideoEncoder(r, prop.Media{
		Video: prop.Video{
			Width:     width,
			Height:    height,
			FrameRate: float32(fps),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build encoder")
	}
	return encoder, nil
}
