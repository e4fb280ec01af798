package worker

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"strzcam.com/rtcbridge/config"
)

// Bootstrap is the single JSON line a supervisor writes to the worker's stdin.
type Bootstrap struct {
	Password string        `json:"password"`
	RingPath string        `json:"ring_path"`
	Config   config.Config `json:"config"`
}

// Ready is the single JSON line the worker prints on stdout once it accepts
// connections.
type Ready struct {
	Addr string `json:"addr"`
}

func ReadBootstrap(r io.Reader) (Bootstrap, error) {
	line, err := bufio.NewReader(r).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return Bootstrap{}, errors.Wrap(err, "read bootstrap")
	}
	var boot Bootstrap
	if err := json.Unmarshal(line, &boot); err != nil {
		return Bootstrap{}, errors.Wrap(err, "decode bootstrap")
	}
	if boot.Password == "" {
		return Bootstrap{}, errors.New("bootstrap carries no exit password")
	}
	if err := boot.Config.Validate(); err != nil {
		return Bootstrap{}, errors.WithMessage(err, "bootstrap config")
	}
	return boot, nil
}

func WriteBootstrap(w io.Writer, boot Bootstrap) error {
	return writeLine(w, boot)
}

func WriteReady(w io.Writer, ready Ready) error {
	return writeLine(w, ready)
}

// ReadReady decodes the ready line from the worker's stdout.
func ReadReady(r *bufio.Reader) (Ready, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return Ready{}, errors.Wrap(err, "read ready line")
	}
	var ready Ready
	if err := json.Unmarshal(line, &ready); err != nil {
		return Ready{}, errors.Wrap(err, "decode ready line")
	}
	if ready.Addr == "" {
		return Ready{}, errors.New("ready line carries no address")
	}
	return ready, nil
}

func writeLine(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
