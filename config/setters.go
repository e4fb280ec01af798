package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"strzcam.com/rtcbridge/frame"
)

// ErrUnknownKey is returned by Set and Get for keys that do not exist.
var ErrUnknownKey = errors.New("unknown config key")

func (c *Config) SetHost(host string) error {
	if strings.TrimSpace(host) == "" {
		return errors.New("host must not be empty")
	}
	c.Host = host
	return nil
}

func (c *Config) SetPort(port int) error {
	if port < 0 || port > 65535 {
		return errors.Errorf("port %d out of range", port)
	}
	c.Port = port
	return nil
}

func (c *Config) SetICEs(list string) error {
	servers, err := ParseICEServers(list)
	if err != nil {
		return err
	}
	c.ICEServers = servers
	return nil
}

func (c *Config) SetMaxQueueSize(n int) error {
	if n < 1 {
		return errors.Errorf("max_queue_size must be positive, got %d", n)
	}
	c.MaxQueueSize = n
	return nil
}

func (c *Config) SetExitTimeoutSeconds(s float64) error {
	if s < 0 {
		return errors.Errorf("exit_timeout_seconds must not be negative, got %v", s)
	}
	c.ExitTimeoutSeconds = s
	return nil
}

func (c *Config) SetFPS(fps int) error {
	if fps < 1 {
		return errors.Errorf("fps must be positive, got %d", fps)
	}
	c.FPS = fps
	return nil
}

func (c *Config) SetFrameFormat(s string) error {
	f, err := frame.ParseFormat(s)
	if err != nil {
		return err
	}
	c.FrameFormat = f
	return nil
}

func (c *Config) SetFrameShape(width, height int) error {
	if width < 1 || height < 1 {
		return errors.Errorf("frame shape %dx%d must be positive", width, height)
	}
	c.FrameWidth, c.FrameHeight = width, height
	return nil
}

func (c *Config) SetVerbose(v bool) {
	c.Verbose = v
}

func (c *Config) SetRestartPolicy(s string) error {
	switch p := RestartPolicy(s); p {
	case RestartNone, RestartLazy:
		c.RestartPolicy = p
		return nil
	}
	return errors.Errorf("unknown restart_policy %q", s)
}

func (c *Config) SetStartTimeoutSeconds(s float64) error {
	if s <= 0 {
		return errors.Errorf("start_timeout_seconds must be positive, got %v", s)
	}
	c.StartTimeoutSeconds = s
	return nil
}

// Set coerces value for the named key and applies it through the matching
// setter. Unknown keys are an error.
func (c *Config) Set(key, value string) error {
	value = strings.TrimSpace(value)
	var err error
	switch key {
	case "host":
		err = c.SetHost(value)
	case "port":
		err = withInt(value, c.SetPort)
	case "ices":
		err = c.SetICEs(value)
	case "max_queue_size":
		err = withInt(value, c.SetMaxQueueSize)
	case "exit_timeout_seconds":
		err = withFloat(value, c.SetExitTimeoutSeconds)
	case "fps":
		err = withInt(value, c.SetFPS)
	case "frame_format":
		err = c.SetFrameFormat(value)
	case "frame_width":
		err = withInt(value, func(w int) error { return c.SetFrameShape(w, c.FrameHeight) })
	case "frame_height":
		err = withInt(value, func(h int) error { return c.SetFrameShape(c.FrameWidth, h) })
	case "verbose":
		var v bool
		if v, err = strconv.ParseBool(value); err == nil {
			c.SetVerbose(v)
		}
	case "restart_policy":
		err = c.SetRestartPolicy(value)
	case "start_timeout_seconds":
		err = withFloat(value, c.SetStartTimeoutSeconds)
	case "worker_path":
		c.WorkerPath = value
	case "shm_dir":
		c.ShmDir = value
	default:
		return errors.Wrapf(ErrUnknownKey, "%q", key)
	}
	return errors.WithMessagef(err, "set %s", key)
}

// Get renders the named key the way Set accepts it.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "host":
		return c.Host, nil
	case "port":
		return strconv.Itoa(c.Port), nil
	case "ices":
		return c.ICEServers.String(), nil
	case "max_queue_size":
		return strconv.Itoa(c.MaxQueueSize), nil
	case "exit_timeout_seconds":
		return strconv.FormatFloat(c.ExitTimeoutSeconds, 'f', -1, 64), nil
	case "fps":
		return strconv.Itoa(c.FPS), nil
	case "frame_format":
		return string(c.FrameFormat), nil
	case "frame_width":
		return strconv.Itoa(c.FrameWidth), nil
	case "frame_height":
		return strconv.Itoa(c.FrameHeight), nil
	case "verbose":
		return strconv.FormatBool(c.Verbose), nil
	case "restart_policy":
		return string(c.RestartPolicy), nil
	case "start_timeout_seconds":
		return strconv.FormatFloat(c.StartTimeoutSeconds, 'f', -1, 64), nil
	case "worker_path":
		return c.WorkerPath, nil
	case "shm_dir":
		return c.ShmDir, nil
	}
	return "", errors.Wrapf(ErrUnknownKey, "%q", key)
}

func withInt(s string, set func(int) error) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	return set(n)
}

func withFloat(s string, set func(float64) error) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	return set(f)
}
