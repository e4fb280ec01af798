// Package exitsignal implements the password protected request that asks a
// worker process to shut down gracefully.
package exitsignal

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	Path           = "/__exit_signal__"
	PasswordField  = "@password"
	PasswordLength = 256
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GeneratePassword returns a fresh random password of PasswordLength
// alphanumeric characters.
func GeneratePassword() (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var sb strings.Builder
	sb.Grow(PasswordLength)
	for i := 0; i < PasswordLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "generate exit password")
		}
		sb.WriteByte(alphabet[n.Int64()])
	}
	return sb.String(), nil
}

type handler struct {
	password string
	onExit   func()
	once     sync.Once
	logger   *zap.SugaredLogger
}

// NewHandler serves the exit endpoint. A POST carrying the right password
// schedules onExit once, in its own goroutine, and answers 200. Anything else
// answers 400 and schedules nothing.
func NewHandler(password string, onExit func(), logger *zap.SugaredLogger) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &handler{password: password, onExit: onExit, logger: logger}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.logger.Debugw("exit signal with unreadable form", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	password := r.PostForm.Get(PasswordField)
	if h.password == "" || subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
		h.logger.Warnw("exit signal rejected", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.logger.Infow("exit signal accepted", "remote", r.RemoteAddr)
	h.once.Do(func() {
		go h.onExit()
	})
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
}

// RequestExit posts the password to the worker at baseURL. It reports whether
// the worker accepted the request; transport failures and rejections are
// logged and reported as false.
func RequestExit(ctx context.Context, client *http.Client, baseURL, password string, logger *zap.SugaredLogger) bool {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	form := url.Values{PasswordField: {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+Path, strings.NewReader(form.Encode()))
	if err != nil {
		logger.Errorw("cannot build exit request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		logger.Warnw("exit request failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		logger.Warnw("exit request rejected", "status", resp.StatusCode)
		return false
	}
	return true
}
