package config

import (
	"strings"

	"github.com/pkg/errors"
)

// ICEServer is one STUN or TURN server. URL keeps the scheme, e.g.
// "turn:relay.example.com:3478".
type ICEServer struct {
	URL        string `json:"url"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

type ICEServers []ICEServer

var iceSchemes = map[string]bool{"stun": true, "stuns": true, "turn": true, "turns": true}

// ParseICEServer parses "scheme:host:port" or "scheme:user:credential@host:port".
func ParseICEServer(s string) (ICEServer, error) {
	s = strings.TrimSpace(s)
	var server ICEServer
	addr := s
	if at := strings.LastIndex(s, "@"); at >= 0 {
		parts := strings.SplitN(s[:at], ":", 3)
		if len(parts) != 3 {
			return ICEServer{}, errors.Errorf("ice server %q: want scheme:user:credential@host:port", s)
		}
		server.Username, server.Credential = parts[1], parts[2]
		addr = parts[0] + ":" + s[at+1:]
	}
	scheme, rest, ok := strings.Cut(addr, ":")
	if !ok || rest == "" {
		return ICEServer{}, errors.Errorf("ice server %q: missing host", s)
	}
	if !iceSchemes[strings.ToLower(scheme)] {
		return ICEServer{}, errors.Errorf("ice server %q: unsupported scheme %q", s, scheme)
	}
	server.URL = addr
	return server, nil
}

// ParseICEServers parses a comma separated list. Empty entries are skipped.
func ParseICEServers(s string) (ICEServers, error) {
	var servers ICEServers
	for _, item := range strings.Split(s, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		server, err := ParseICEServer(item)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// String renders the list back in the comma separated form.
func (s ICEServers) String() string {
	items := make([]string, 0, len(s))
	for _, server := range s {
		if server.Username == "" && server.Credential == "" {
			items = append(items, server.URL)
			continue
		}
		scheme, addr, _ := strings.Cut(server.URL, ":")
		items = append(items, scheme+":"+server.Username+":"+server.Credential+"@"+addr)
	}
	return strings.Join(items, ",")
}
