package config

import "time"

// Config holds all client configuration
type Config struct {
	// SelfID is the identity this device authenticates as.
	SelfID string

	// SignalEndpoints is the ordered fallback list of signaling hosts.
	// The last endpoint that produced a working channel is tried first.
	SignalEndpoints []string

	ConnectTimeout    time.Duration // per-endpoint dial timeout
	LastResortTimeout time.Duration // final conservative attempt
	HeartbeatInterval time.Duration

	IceConfig   IceConfig
	CachePath   string // sqlite file for the local cache; ":memory:" in tests
	MediaConfig MediaConfig
}

type IceConfig struct {
	BrokerURL     string // backend-mediated TURN credential endpoint
	DirectURL     string // third-party credential endpoint, tried second
	ResolveBudget time.Duration
	CacheTTL      time.Duration
	StaticServers []string // STUN urls appended after negotiated servers
}

type MediaConfig struct {
	Width     int
	Height    int
	Framerate int
	BitRate   int
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		SignalEndpoints: []string{
			"localhost:7000",
			"signal.rtcall.dev:443",
		},
		ConnectTimeout:    15 * time.Second,
		LastResortTimeout: 30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		IceConfig: IceConfig{
			BrokerURL:     "https://signal.rtcall.dev/ice",
			DirectURL:     "",
			ResolveBudget: 2 * time.Second,
			CacheTTL:      5 * time.Minute,
			StaticServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
		},
		CachePath: "rtcall-cache.db",
		MediaConfig: MediaConfig{
			Width:     640,
			Height:    480,
			Framerate: 30,
			BitRate:   500_000,
		},
	}
}
