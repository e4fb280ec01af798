package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"strzcam.com/rtcbridge/config"
	"strzcam.com/rtcbridge/exitsignal"
	"strzcam.com/rtcbridge/lwc"
)

const testPassword = "secret"

func testBootstrap(t *testing.T, withRing bool) (Bootstrap, *lwc.Ring) {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ICEServers = config.ICEServers{{URL: "turn:relay.example.com:3478", Username: "u", Credential: "p"}}
	cfg.FrameWidth = 4
	cfg.FrameHeight = 4
	boot := Bootstrap{Password: testPassword, Config: cfg}
	if !withRing {
		return boot, nil
	}
	boot.RingPath = filepath.Join(t.TempDir(), "ring")
	ring, err := lwc.Create(boot.RingPath, cfg.MaxQueueSize, cfg.FrameSize())
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		ring.Close()
		lwc.Remove(boot.RingPath)
	})
	return boot, ring
}

func TestBootstrapRoundTrip(t *testing.T) {
	boot, _ := testBootstrap(t, false)
	var buf bytes.Buffer
	test.That(t, WriteBootstrap(&buf, boot), test.ShouldBeNil)
	got, err := ReadBootstrap(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, boot)

	// credentials may carry the list and userinfo separators
	boot.Config.ICEServers = config.ICEServers{
		{URL: "turn:relay.example.com:3478", Username: "u@x", Credential: "p,w:1"},
		{URL: "stun:stun.example.com:3478"},
	}
	buf.Reset()
	test.That(t, WriteBootstrap(&buf, boot), test.ShouldBeNil)
	got, err = ReadBootstrap(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Config.ICEServers, test.ShouldResemble, boot.Config.ICEServers)

	_, err = ReadBootstrap(strings.NewReader("{}\n"))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ReadBootstrap(strings.NewReader(""))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ReadReady(bufio.NewReader(strings.NewReader("{\"addr\":\"\"}\n")))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestHandlers(t *testing.T) {
	boot, _ := testBootstrap(t, false)
	w, err := New(boot, WithLogger(zaptest.NewLogger(t).Sugar()))
	test.That(t, err, test.ShouldBeNil)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/config")
	test.That(t, err, test.ShouldBeNil)
	var cfg clientConfig
	test.That(t, json.NewDecoder(resp.Body).Decode(&cfg), test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, cfg.SdpSemantics, test.ShouldEqual, "unified-plan")
	test.That(t, cfg.IceServers, test.ShouldResemble, []iceServerJSON{
		{URLs: []string{"turn:relay.example.com:3478"}, Username: "u", Credential: "p"},
	})

	for path, contentType := range map[string]string{
		"/":          "text/html",
		"/client.js": "application/javascript",
	} {
		resp, err := http.Get(srv.URL + path)
		test.That(t, err, test.ShouldBeNil)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
		test.That(t, resp.Header.Get("Content-Type"), test.ShouldContainSubstring, contentType)
		test.That(t, len(body), test.ShouldBeGreaterThan, 0)
	}

	resp, err = http.Get(srv.URL + "/nope")
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNotFound)

	resp, err = http.Get(srv.URL + "/offer")
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusMethodNotAllowed)

	for _, body := range []string{"not json", `{"type":"answer","sdp":"v=0"}`, `{"type":"offer","sdp":""}`, `{"type":"offer","sdp":"garbage"}`} {
		resp, err = http.Post(srv.URL+"/offer", "application/json", strings.NewReader(body))
		test.That(t, err, test.ShouldBeNil)
		resp.Body.Close()
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/config", nil)
	req.Header.Set("Origin", "http://viewer.example.com")
	resp, err = http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, resp.Header.Get("Access-Control-Allow-Origin"), test.ShouldEqual, "http://viewer.example.com")
	test.That(t, resp.Header.Get("Access-Control-Allow-Credentials"), test.ShouldEqual, "true")
}

func TestOfferRejectedWhileShuttingDown(t *testing.T) {
	boot, _ := testBootstrap(t, false)
	w, err := New(boot, WithLogger(zaptest.NewLogger(t).Sugar()))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.shutdown(), test.ShouldBeNil)

	rec := httptest.NewRecorder()
	body := `{"type":"offer","sdp":"v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"}`
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader(body)))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusServiceUnavailable)
}

func TestStatsReportRing(t *testing.T) {
	boot, ring := testBootstrap(t, true)
	w, err := New(boot, WithLogger(zaptest.NewLogger(t).Sugar()))
	test.That(t, err, test.ShouldBeNil)
	defer w.shutdown()

	ring.Push(make([]byte, boot.Config.FrameSize()))
	ring.Push([]byte("short"))
	w.cache.Pop()
	w.cache.Pop()

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats statsJSON
	test.That(t, json.NewDecoder(rec.Body).Decode(&stats), test.ShouldBeNil)
	test.That(t, stats.Cache.Updates, test.ShouldEqual, 1)
	test.That(t, stats.Cache.Malformed, test.ShouldEqual, 1)
	test.That(t, stats.Ring.Pushed, test.ShouldEqual, 2)
	test.That(t, stats.Ring.Pulled, test.ShouldEqual, 2)
}

func TestStreamServesJPEGParts(t *testing.T) {
	boot, _ := testBootstrap(t, false)
	boot.Config.FPS = 50
	w, err := New(boot, WithLogger(zaptest.NewLogger(t).Sugar()))
	test.That(t, err, test.ShouldBeNil)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.Header.Get("Content-Type"), test.ShouldContainSubstring, "boundary=frame")

	reader := bufio.NewReader(resp.Body)
	parts := 0
	for parts < 2 {
		line, err := reader.ReadString('\n')
		test.That(t, err, test.ShouldBeNil)
		if strings.HasPrefix(line, "Content-Type: image/jpeg") {
			parts++
		}
	}
}

func startWorker(t *testing.T, boot Bootstrap) (string, chan error) {
	t.Helper()
	w, err := New(boot, WithLogger(zaptest.NewLogger(t).Sugar()))
	test.That(t, err, test.ShouldBeNil)
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- w.Run(context.Background(), pw)
		pw.Close()
	}()
	ready, err := ReadReady(bufio.NewReader(pr))
	test.That(t, err, test.ShouldBeNil)
	go io.Copy(io.Discard, pr)
	return "http://" + ready.Addr, done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
	return nil
}

func TestRunStopsOnExitSignal(t *testing.T) {
	boot, ring := testBootstrap(t, true)
	baseURL, done := startWorker(t, boot)

	ctx := context.Background()
	test.That(t, exitsignal.RequestExit(ctx, nil, baseURL, "wrong", nil), test.ShouldBeFalse)
	select {
	case <-done:
		t.Fatal("worker stopped on a wrong password")
	case <-time.After(100 * time.Millisecond):
	}

	test.That(t, exitsignal.RequestExit(ctx, nil, baseURL, testPassword, nil), test.ShouldBeTrue)
	test.That(t, waitDone(t, done), test.ShouldBeNil)
	// the producer mapping survives the worker
	test.That(t, ring.Push([]byte("f1")), test.ShouldBeTrue)
}

func TestRunStopsWhenRingRemoved(t *testing.T) {
	boot, _ := testBootstrap(t, true)
	_, done := startWorker(t, boot)
	test.That(t, lwc.Remove(boot.RingPath), test.ShouldBeNil)
	test.That(t, waitDone(t, done), test.ShouldBeNil)
}

func TestRunStopsOnContext(t *testing.T) {
	boot, _ := testBootstrap(t, false)
	w, err := New(boot, WithLogger(zaptest.NewLogger(t).Sugar()))
	test.That(t, err, test.ShouldBeNil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, io.Discard) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	test.That(t, waitDone(t, done), test.ShouldBeNil)
}

func TestNewFailsWithoutRing(t *testing.T) {
	boot, _ := testBootstrap(t, false)
	boot.RingPath = filepath.Join(t.TempDir(), "missing")
	_, err := New(boot)
	test.That(t, err, test.ShouldNotBeNil)
}
