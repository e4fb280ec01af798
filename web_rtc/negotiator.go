package web_rtc

import (
	"context"
	"io"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"strzcam.com/rtcbridge/config"
	"strzcam.com/rtcbridge/pacer"
)

const streamID = "rtcbridge"

// ErrBadOffer wraps failures caused by the remote description.
var ErrBadOffer = errors.New("bad offer")

// maxEncoderErrors ends a feed whose encoder keeps failing.
const maxEncoderErrors = 100

type sampleWriter interface {
	WriteSample(media.Sample) error
}

// ICEServers converts configured servers into pion's form.
func ICEServers(servers config.ICEServers) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: []string{s.URL}}
		if s.Username != "" || s.Credential != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

// Negotiator answers viewer offers and wires every new session to the shared
// frame cache.
type Negotiator struct {
	config   webrtc.Configuration
	cache    *pacer.Cache
	set      *SessionSet
	fps      int
	width    int
	height   int
	encoders EncoderFactory
	clock    clock.Clock
	logger   *zap.SugaredLogger
}

type Option func(*Negotiator)

func WithEncoderFactory(f EncoderFactory) Option {
	return func(n *Negotiator) { n.encoders = f }
}

func WithClock(c clock.Clock) Option {
	return func(n *Negotiator) { n.clock = c }
}

func NewNegotiator(cfg config.Config, cache *pacer.Cache, set *SessionSet, logger *zap.SugaredLogger, opts ...Option) *Negotiator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	n := &Negotiator{
		config:   webrtc.Configuration{ICEServers: ICEServers(cfg.ICEServers)},
		cache:    cache,
		set:      set,
		fps:      cfg.FPS,
		width:    cfg.FrameWidth,
		height:   cfg.FrameHeight,
		encoders: VP8,
		clock:    clock.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Answer creates a session for offer and returns it with the local answer.
// ICE gathering completes before Answer returns, so the answer carries every
// candidate.
func (n *Negotiator) Answer(ctx context.Context, offer webrtc.SessionDescription) (*Session, webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(n.config)
	if err != nil {
		return nil, webrtc.SessionDescription{}, errors.Wrap(err, "create peer connection")
	}
	s := newSession(uuid.NewString(), pc, n.logger)
	if err := n.set.Add(s); err != nil {
		pc.Close()
		return nil, webrtc.SessionDescription{}, err
	}

	var success bool
	defer func() {
		if !success {
			n.set.Remove(s.id)
			s.Close()
		}
	}()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debugw("peer connection state", "state", state.String())
		if mapped, ok := fromPeerState(state); ok {
			n.set.Post(Event{SessionID: s.id, State: mapped})
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, webrtc.SessionDescription{}, errors.Wrap(ErrBadOffer, err.Error())
	}

	for _, t := range pc.GetTransceivers() {
		if t.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video",
			streamID,
		)
		if err != nil {
			return nil, webrtc.SessionDescription{}, errors.Wrap(err, "create video track")
		}
		rtpSender, err := pc.AddTrack(track)
		if err != nil {
			return nil, webrtc.SessionDescription{}, errors.Wrap(err, "add video track")
		}
		n.startRTCPReader(rtpSender)
		s.feed = n.feed(track, s.logger)
		break
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, webrtc.SessionDescription{}, errors.Wrap(ErrBadOffer, err.Error())
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, webrtc.SessionDescription{}, errors.Wrap(err, "set local description")
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, webrtc.SessionDescription{}, errors.Wrap(ctx.Err(), "gathering candidates")
	}

	success = true
	n.logger.Infow("session negotiated", "session", s.id, "sessions", n.set.Len())
	return s, *pc.LocalDescription(), nil
}

// Read RTCP so interceptors keep working; the packets themselves are unused.
func (n *Negotiator) startRTCPReader(rtpSender *webrtc.RTPSender) {
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()
}

// feed pulls paced frames through an encoder into track until ctx is done.
func (n *Negotiator) feed(track sampleWriter, logger *zap.SugaredLogger) func(ctx context.Context) {
	return func(ctx context.Context) {
		stream := pacer.NewStream(n.cache, n.fps, n.clock)
		encoder, err := n.encoders(stream.Reader(ctx), n.width, n.height, n.fps)
		if err != nil {
			logger.Errorw("cannot start encoder", "error", err)
			return
		}
		defer encoder.Close()

		period := stream.Period()
		failures := 0
		for {
			data, release, err := encoder.Read()
			if ctx.Err() != nil {
				if release != nil {
					release()
				}
				return
			}
			if err != nil {
				failures++
				if failures >= maxEncoderErrors {
					logger.Errorw("encoder keeps failing, stopping feed", "error", err)
					return
				}
				logger.Debugw("skipping sample", "error", err)
				continue
			}
			failures = 0
			werr := track.WriteSample(media.Sample{Data: data, Duration: period})
			if release != nil {
				release()
			}
			if errors.Is(werr, io.ErrClosedPipe) {
				return
			}
			if werr != nil {
				logger.Debugw("error writing sample", "error", werr)
			}
		}
	}
}
