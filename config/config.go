// Package config holds the typed configuration shared by the supervisor and
// the worker. Values come from defaults, an optional .env file and RTCBRIDGE_*
// environment variables, and can be changed afterwards through validated
// per-field setters.
package config

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"strzcam.com/rtcbridge/frame"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "RTCBRIDGE_"

const (
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 8888
	DefaultMaxQueueSize       = 4
	DefaultExitTimeoutSeconds = 4.0
	DefaultFPS                = 12
	DefaultStartTimeout       = 10.0
)

type RestartPolicy string

const (
	// RestartNone turns pushes to a dead worker into no-ops.
	RestartNone RestartPolicy = "none"
	// RestartLazy re-creates a dead worker before the next push.
	RestartLazy RestartPolicy = "lazy"
)

type Config struct {
	Host                string        `json:"host" env:"HOST" envDefault:"0.0.0.0"`
	Port                int           `json:"port" env:"PORT" envDefault:"8888"`
	ICEServers          ICEServers    `json:"ices" env:"ICES" envDefault:"stun:stun.l.google.com:19302"`
	MaxQueueSize        int           `json:"max_queue_size" env:"MAX_QUEUE_SIZE" envDefault:"4"`
	ExitTimeoutSeconds  float64       `json:"exit_timeout_seconds" env:"EXIT_TIMEOUT_SECONDS" envDefault:"4"`
	FPS                 int           `json:"fps" env:"FPS" envDefault:"12"`
	FrameFormat         frame.Format  `json:"frame_format" env:"FRAME_FORMAT" envDefault:"bgr24"`
	FrameWidth          int           `json:"frame_width" env:"FRAME_WIDTH" envDefault:"300"`
	FrameHeight         int           `json:"frame_height" env:"FRAME_HEIGHT" envDefault:"300"`
	Verbose             bool          `json:"verbose" env:"VERBOSE"`
	RestartPolicy       RestartPolicy `json:"restart_policy" env:"RESTART_POLICY" envDefault:"none"`
	StartTimeoutSeconds float64       `json:"start_timeout_seconds" env:"START_TIMEOUT_SECONDS" envDefault:"10"`
	WorkerPath          string        `json:"worker_path" env:"WORKER_PATH"`
	ShmDir              string        `json:"shm_dir" env:"SHM_DIR" envDefault:"/dev/shm"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Host:                DefaultHost,
		Port:                DefaultPort,
		ICEServers:          ICEServers{{URL: "stun:stun.l.google.com:19302"}},
		MaxQueueSize:        DefaultMaxQueueSize,
		ExitTimeoutSeconds:  DefaultExitTimeoutSeconds,
		FPS:                 DefaultFPS,
		FrameFormat:         frame.DefaultFormat,
		FrameWidth:          frame.PlaceholderWidth,
		FrameHeight:         frame.PlaceholderHeight,
		RestartPolicy:       RestartNone,
		StartTimeoutSeconds: DefaultStartTimeout,
		ShmDir:              "/dev/shm",
	}
}

// Load reads the optional .env files (missing files are ignored), then parses
// the environment on top of the defaults and validates the result.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return Config{}, errors.Wrapf(err, "load %s", f)
		}
	}

	var cfg Config
	opts := env.Options{
		Prefix: EnvPrefix,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(ICEServers{}): func(v string) (interface{}, error) {
				return ParseICEServers(v)
			},
		},
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("host must not be empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("port %d out of range", c.Port)
	}
	if c.MaxQueueSize < 1 {
		return errors.Errorf("max_queue_size must be positive, got %d", c.MaxQueueSize)
	}
	if c.ExitTimeoutSeconds < 0 {
		return errors.Errorf("exit_timeout_seconds must not be negative, got %v", c.ExitTimeoutSeconds)
	}
	if c.FPS < 1 {
		return errors.Errorf("fps must be positive, got %d", c.FPS)
	}
	if _, err := frame.ParseFormat(string(c.FrameFormat)); err != nil {
		return err
	}
	if c.FrameWidth < 1 || c.FrameHeight < 1 {
		return errors.Errorf("frame shape %dx%d must be positive", c.FrameWidth, c.FrameHeight)
	}
	switch c.RestartPolicy {
	case RestartNone, RestartLazy:
	default:
		return errors.Errorf("unknown restart_policy %q", c.RestartPolicy)
	}
	if c.StartTimeoutSeconds <= 0 {
		return errors.Errorf("start_timeout_seconds must be positive, got %v", c.StartTimeoutSeconds)
	}
	return nil
}

// ExitTimeout is the whole budget for the exit request plus the join. Zero
// selects the default.
func (c Config) ExitTimeout() time.Duration {
	if c.ExitTimeoutSeconds <= 0 {
		return seconds(DefaultExitTimeoutSeconds)
	}
	return seconds(c.ExitTimeoutSeconds)
}

func (c Config) StartTimeout() time.Duration {
	return seconds(c.StartTimeoutSeconds)
}

// FrameSize is the byte length of one frame of the configured shape.
func (c Config) FrameSize() int {
	return c.FrameFormat.Size(c.FrameWidth, c.FrameHeight)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
