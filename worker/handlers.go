package worker

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"strzcam.com/rtcbridge/lwc"
	"strzcam.com/rtcbridge/pacer"
	"strzcam.com/rtcbridge/web_rtc"
)

//go:embed static/index.html static/client.js
var static embed.FS

const jpegQuality = 80

type iceServerJSON struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type clientConfig struct {
	SdpSemantics string          `json:"sdpSemantics"`
	IceServers   []iceServerJSON `json:"iceServers"`
}

type statsJSON struct {
	Sessions int        `json:"sessions"`
	Cache    pacerStats `json:"cache"`
	Ring     *lwc.Stats `json:"ring,omitempty"`
}

type pacerStats struct {
	Updates   uint64 `json:"updates"`
	Malformed uint64 `json:"malformed"`
}

func (w *Worker) serveIndex(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(rw, r)
		return
	}
	w.serveStatic(rw, "static/index.html", "text/html; charset=utf-8")
}

func (w *Worker) serveClient(rw http.ResponseWriter, r *http.Request) {
	w.serveStatic(rw, "static/client.js", "application/javascript")
}

func (w *Worker) serveStatic(rw http.ResponseWriter, name, contentType string) {
	data, err := static.ReadFile(name)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", contentType)
	rw.Write(data)
}

func (w *Worker) serveConfig(rw http.ResponseWriter, r *http.Request) {
	cfg := clientConfig{SdpSemantics: "unified-plan", IceServers: []iceServerJSON{}}
	for _, s := range w.cfg.ICEServers {
		cfg.IceServers = append(cfg.IceServers, iceServerJSON{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	writeJSON(rw, http.StatusOK, cfg)
}

func (w *Worker) serveOffer(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil || offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		http.Error(rw, "malformed offer", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), negotiationTimeout)
	defer cancel()
	_, answer, err := w.negotiator.Answer(ctx, offer)
	switch {
	case err == nil:
		writeJSON(rw, http.StatusOK, answer)
	case errors.Is(err, web_rtc.ErrShuttingDown):
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, web_rtc.ErrBadOffer):
		http.Error(rw, err.Error(), http.StatusBadRequest)
	default:
		w.logger.Errorw("negotiation failed", "error", err)
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	}
}

// serveStream is a multipart JPEG view of the paced frames for clients
// without WebRTC.
func (w *Worker) serveStream(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "close")

	mw := multipart.NewWriter(rw)
	if err := mw.SetBoundary("frame"); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	stream := pacer.NewStream(w.cache, w.cfg.FPS, nil)
	for {
		sample, err := stream.Pull(r.Context())
		if err != nil {
			return
		}
		if err := writeJPEGFrame(mw, sample.Image); err != nil {
			w.logger.Debugw("mjpeg client gone", "error", err)
			return
		}
		if flusher, ok := rw.(http.Flusher); ok {
			flusher.Flush()
		}
	}
}

func writeJPEGFrame(mw *multipart.Writer, img image.Image) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return err
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", fmt.Sprintf("%d", buf.Len()))
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(buf.Bytes())
	return err
}

func (w *Worker) serveStats(rw http.ResponseWriter, r *http.Request) {
	cs := w.cache.Stats()
	out := statsJSON{
		Sessions: w.sessions.Len(),
		Cache:    pacerStats{Updates: cs.Updates, Malformed: cs.Malformed},
	}
	if w.ring != nil {
		rs := w.ring.Stats()
		out.Ring = &rs
	}
	writeJSON(rw, http.StatusOK, out)
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
