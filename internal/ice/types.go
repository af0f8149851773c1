package ice

import (
	"github.com/pion/webrtc/v4"
)

// Server describes one relay or reflexive server. It mirrors the wire shape
// of the credential endpoints ({urls, username, credential}) and converts to
// the negotiation library's own type on demand.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ToICEServer converts to the pion representation.
func (s Server) ToICEServer() webrtc.ICEServer {
	out := webrtc.ICEServer{URLs: s.URLs}
	if s.Username != "" {
		out.Username = s.Username
	}
	if s.Credential != "" {
		out.Credential = s.Credential
	}
	return out
}

// ToICEServers converts a full list.
func ToICEServers(servers []Server) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.ToICEServer())
	}
	return out
}

// StaticServers wraps bare STUN urls into descriptors.
func StaticServers(urls []string) []Server {
	out := make([]Server, 0, len(urls))
	for _, u := range urls {
		out = append(out, Server{URLs: []string{u}})
	}
	return out
}

// key identifies a server by urls+credentials for merge deduplication.
func (s Server) key() string {
	k := s.Username + "\x00" + s.Credential
	for _, u := range s.URLs {
		k += "\x00" + u
	}
	return k
}

// Merge orders negotiated (TURN-capable) servers first and appends static
// servers only when not already present. Negotiation libraries try
// candidates in list order and relay servers are strictly more capable
// than reflexive-only ones, so the ordering matters.
func Merge(negotiated, static []Server) []Server {
	merged := make([]Server, 0, len(negotiated)+len(static))
	seen := make(map[string]struct{}, len(negotiated))

	for _, s := range negotiated {
		if _, dup := seen[s.key()]; dup {
			continue
		}
		seen[s.key()] = struct{}{}
		merged = append(merged, s)
	}
	for _, s := range static {
		if _, dup := seen[s.key()]; dup {
			continue
		}
		seen[s.key()] = struct{}{}
		merged = append(merged, s)
	}
	return merged
}
