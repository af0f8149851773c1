package validate

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mikeyg42/rtcall/internal/config"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateIdentity(v, cfg)
	validateSignalConfig(v, cfg)
	validateIceConfig(v, &cfg.IceConfig)
	validateMediaConfig(v, &cfg.MediaConfig)
	validateCachePath(v, cfg)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateIdentity(v *Validator, cfg *config.Config) {
	id := strings.TrimSpace(cfg.SelfID)
	if id == "" {
		v.AddError("identity (SelfID) cannot be empty")
		return
	}
	if len(id) > 128 {
		v.AddError("identity too long: %d characters (max 128)", len(id))
	}
	if !isIdentifier(id) {
		v.AddError("identity must be alphanumeric with dashes/underscores: %s", id)
	}
}

func validateSignalConfig(v *Validator, cfg *config.Config) {
	if len(cfg.SignalEndpoints) == 0 {
		v.AddError("at least one signaling endpoint is required")
	}
	for _, ep := range cfg.SignalEndpoints {
		validateHostPort(v, "signaling endpoint", ep)
	}

	if cfg.ConnectTimeout <= 0 {
		v.AddError("connect timeout must be positive")
	}
	if cfg.LastResortTimeout < cfg.ConnectTimeout {
		v.AddError("last-resort timeout (%s) must be at least the connect timeout (%s)",
			cfg.LastResortTimeout, cfg.ConnectTimeout)
	}
	if cfg.HeartbeatInterval < time.Second {
		v.AddError("heartbeat interval too short: %s (min 1s)", cfg.HeartbeatInterval)
	}
}

func validateIceConfig(v *Validator, cfg *config.IceConfig) {
	if cfg.BrokerURL != "" && !isValidURL(cfg.BrokerURL) {
		v.AddError("invalid ICE broker URL: %s", cfg.BrokerURL)
	}
	if cfg.DirectURL != "" && !isValidURL(cfg.DirectURL) {
		v.AddError("invalid direct credential URL: %s", cfg.DirectURL)
	}
	if cfg.ResolveBudget <= 0 {
		v.AddError("ICE resolve budget must be positive")
	} else if cfg.ResolveBudget > 30*time.Second {
		v.AddError("ICE resolve budget too long: %s (max 30s)", cfg.ResolveBudget)
	}
	if cfg.CacheTTL <= 0 {
		v.AddError("ICE cache TTL must be positive")
	}
	if len(cfg.StaticServers) == 0 {
		v.AddError("at least one static STUN server is required as the fallback of last resort")
	}
	for _, u := range cfg.StaticServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			v.AddError("static server must be a stun:/turn:/turns: URL: %s", u)
		}
	}
}

func validateMediaConfig(v *Validator, cfg *config.MediaConfig) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		v.AddError("invalid video dimensions: width=%d height=%d", cfg.Width, cfg.Height)
	}
	if cfg.Width > 4096 || cfg.Height > 4096 {
		v.AddError("video dimensions too large: %dx%d (max 4096x4096)", cfg.Width, cfg.Height)
	}
	if cfg.Framerate <= 0 || cfg.Framerate > 120 {
		v.AddError("invalid framerate: %d (1–120)", cfg.Framerate)
	}
	if cfg.BitRate <= 0 {
		v.AddError("invalid bitrate: %d", cfg.BitRate)
	}
}

func validateCachePath(v *Validator, cfg *config.Config) {
	if cfg.CachePath == "" {
		v.AddError("cache path cannot be empty (use \":memory:\" for an ephemeral cache)")
		return
	}
	if cfg.CachePath == ":memory:" {
		return
	}
	if !isValidFilePath(cfg.CachePath) {
		v.AddError("invalid cache path: %s", cfg.CachePath)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func validateHostPort(v *Validator, what, addr string) {
	if addr == "" {
		v.AddError("%s cannot be empty", what)
		return
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		v.AddError("%s must be host:port: %v", what, err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in %s: %s", what, host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		v.AddError("invalid port in %s: %s", what, portStr)
	}
}

func isValidURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	re := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)
	labels := strings.Split(hostname, ".")
	for _, l := range labels {
		if !re.MatchString(l) {
			return false
		}
	}
	return true
}

func isValidFilePath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00")
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	return regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`).MatchString(s)
}
