package web_rtc

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	MessageOffer  = "offer"
	MessageAnswer = "answer"
	MessageState  = "state"
	MessageError  = "error"
)

// SignalingMessage is exchanged over the websocket signaling endpoint.
type SignalingMessage struct {
	Type  string `json:"type"`
	Sdp   string `json:"sdp,omitempty"`
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

const writeWait = 5 * time.Second

// SignalingHandler upgrades to a websocket, answers every offer it receives
// and reports the state changes of the sessions it created.
type SignalingHandler struct {
	negotiator *Negotiator
	upgrader   websocket.Upgrader
	timeout    time.Duration
	logger     *zap.SugaredLogger
}

func NewSignalingHandler(negotiator *Negotiator, timeout time.Duration, logger *zap.SugaredLogger) *SignalingHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SignalingHandler{
		negotiator: negotiator,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		timeout: timeout,
		logger:  logger,
	}
}

type wsConn struct {
	conn     *websocket.Conn
	writeMux sync.Mutex
}

func (c *wsConn) write(msg SignalingMessage) error {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (h *SignalingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	client := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(r.Context())
	var watchers sync.WaitGroup
	defer func() {
		cancel()
		conn.Close()
		watchers.Wait()
		h.logger.Debugw("signaling client disconnected", "remote", r.RemoteAddr)
	}()
	h.logger.Debugw("signaling client connected", "remote", r.RemoteAddr)

	for {
		var msg SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debugw("signaling read error", "error", err)
			}
			return
		}
		if msg.Type != MessageOffer {
			client.write(SignalingMessage{Type: MessageError, Error: "unsupported message type " + msg.Type})
			continue
		}

		answerCtx, answerCancel := context.WithTimeout(ctx, h.timeout)
		s, answer, err := h.negotiator.Answer(answerCtx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.Sdp})
		answerCancel()
		if err != nil {
			h.logger.Warnw("cannot answer offer", "error", err)
			client.write(SignalingMessage{Type: MessageError, Error: err.Error()})
			continue
		}
		if err := client.write(SignalingMessage{Type: MessageAnswer, Sdp: answer.SDP}); err != nil {
			h.logger.Debugw("signaling write error", "error", err)
			return
		}

		watchers.Add(1)
		go func() {
			defer watchers.Done()
			h.forwardStates(ctx, client, s)
		}()
	}
}

func (h *SignalingHandler) forwardStates(ctx context.Context, client *wsConn, s *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-s.Updates():
			if err := client.write(SignalingMessage{Type: MessageState, State: state.String()}); err != nil {
				return
			}
			if state.Terminal() {
				return
			}
		}
	}
}
