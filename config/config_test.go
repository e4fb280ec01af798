package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"strzcam.com/rtcbridge/frame"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg, test.ShouldResemble, Default())
	test.That(t, cfg.ExitTimeout(), test.ShouldEqual, 4*time.Second)
	test.That(t, cfg.FrameSize(), test.ShouldEqual, 300*300*3)
}

func TestLoadFromEnvAndFile(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), ".env")
	err := os.WriteFile(dotenv, []byte("RTCBRIDGE_FPS=30\nRTCBRIDGE_PORT=9000\n"), 0o600)
	test.That(t, err, test.ShouldBeNil)
	t.Setenv("RTCBRIDGE_PORT", "9100")
	t.Setenv("RTCBRIDGE_ICES", "stun:stun.example.com:3478,turn:user:secret@relay.example.com:3478")
	t.Setenv("RTCBRIDGE_EXIT_TIMEOUT_SECONDS", "1.5")
	t.Setenv("RTCBRIDGE_RESTART_POLICY", "lazy")

	t.Cleanup(func() { os.Unsetenv("RTCBRIDGE_FPS") })

	cfg, err := Load(dotenv)
	test.That(t, err, test.ShouldBeNil)
	// the process environment wins over the file
	test.That(t, cfg.Port, test.ShouldEqual, 9100)
	test.That(t, cfg.FPS, test.ShouldEqual, 30)
	test.That(t, cfg.ExitTimeout(), test.ShouldEqual, 1500*time.Millisecond)
	test.That(t, cfg.RestartPolicy, test.ShouldEqual, RestartLazy)
	test.That(t, cfg.ICEServers, test.ShouldResemble, ICEServers{
		{URL: "stun:stun.example.com:3478"},
		{URL: "turn:relay.example.com:3478", Username: "user", Credential: "secret"},
	})
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("RTCBRIDGE_MAX_QUEUE_SIZE", "0")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParseICEServer(t *testing.T) {
	for _, bad := range []string{"", "stun", "http:example.com", "turn:user@host:1"} {
		_, err := ParseICEServer(bad)
		test.That(t, err, test.ShouldNotBeNil)
	}
	servers, err := ParseICEServers(" stun:a.example:1 ,, turns:u:p:w@b.example:5349 ")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, servers[1], test.ShouldResemble, ICEServer{URL: "turns:b.example:5349", Username: "u", Credential: "p:w"})
	test.That(t, servers.String(), test.ShouldEqual, "stun:a.example:1,turns:u:p:w@b.example:5349")
}

func TestSetAndGet(t *testing.T) {
	cfg := Default()
	for key, value := range map[string]string{
		"host":                  "127.0.0.1",
		"port":                  "0",
		"ices":                  "stun:stun.example.com:3478",
		"max_queue_size":        "8",
		"exit_timeout_seconds":  "2.5",
		"fps":                   "25",
		"frame_format":          "rgba",
		"frame_width":           "640",
		"frame_height":          "480",
		"verbose":               "true",
		"restart_policy":        "lazy",
		"start_timeout_seconds": "3",
		"worker_path":           "/usr/bin/worker",
		"shm_dir":               "/tmp",
	} {
		test.That(t, cfg.Set(key, value), test.ShouldBeNil)
		got, err := cfg.Get(key)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, value)
	}
	test.That(t, cfg.FrameFormat, test.ShouldEqual, frame.FormatRGBA)
	test.That(t, cfg.FrameSize(), test.ShouldEqual, 640*480*4)
	test.That(t, cfg.Validate(), test.ShouldBeNil)
}

func TestZeroExitTimeoutUsesDefault(t *testing.T) {
	cfg := Default()
	test.That(t, cfg.Set("exit_timeout_seconds", "0"), test.ShouldBeNil)
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.ExitTimeout(), test.ShouldEqual, 4*time.Second)
}

func TestSetRejectsBadValues(t *testing.T) {
	cfg := Default()
	for key, value := range map[string]string{
		"port":                 "70000",
		"max_queue_size":       "0",
		"exit_timeout_seconds": "-1",
		"fps":                  "zero",
		"frame_format":         "yuv420",
		"verbose":              "maybe",
		"restart_policy":       "always",
		"host":                 " ",
	} {
		test.That(t, cfg.Set(key, value), test.ShouldNotBeNil)
	}
	test.That(t, cfg, test.ShouldResemble, Default())

	err := cfg.Set("queue", "4")
	test.That(t, errors.Is(err, ErrUnknownKey), test.ShouldBeTrue)
	_, err = cfg.Get("queue")
	test.That(t, errors.Is(err, ErrUnknownKey), test.ShouldBeTrue)
}
