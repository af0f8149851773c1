package ice

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
	"go.uber.org/zap"
)

// Verifier probes resolved servers off the call-setup path: a STUN binding
// request per reflexive server and a TURN allocation per relay server with
// credentials. Results are only logged; a failed probe never blocks or
// fails a resolve, it just gives operators early warning that credentials
// are bad before a user hits a relay-only network.
type Verifier struct {
	Timeout time.Duration
	logger  *zap.Logger
}

func NewVerifier(timeout time.Duration, logger *zap.Logger) *Verifier {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &Verifier{Timeout: timeout, logger: logger.Named("ice-verify")}
}

func (v *Verifier) Verify(servers []Server) {
	for _, srv := range servers {
		for _, raw := range srv.URLs {
			scheme, addr := splitURL(raw)
			switch scheme {
			case "stun", "stuns":
				if err := v.probeSTUN(addr); err != nil {
					v.logger.Warn("stun probe failed", zap.String("url", raw), zap.Error(err))
				} else {
					v.logger.Debug("stun probe ok", zap.String("url", raw))
				}
			case "turn", "turns":
				if err := v.probeTURN(addr, srv.Username, srv.Credential); err != nil {
					v.logger.Warn("turn allocation failed", zap.String("url", raw), zap.Error(err))
				} else {
					v.logger.Debug("turn allocation ok", zap.String("url", raw))
				}
			}
		}
	}
}

// probeSTUN sends one binding request and expects a XOR-MAPPED-ADDRESS back.
func (v *Verifier) probeSTUN(addr string) error {
	client, err := stun.Dial("udp4", addr)
	if err != nil {
		return fmt.Errorf("stun dial failed: %w", err)
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var probeErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		probeErr = client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				probeErr = res.Error
				return
			}
			var mapped stun.XORMappedAddress
			if err := mapped.GetFrom(res.Message); err != nil {
				probeErr = fmt.Errorf("no mapped address in response: %w", err)
			}
		})
	}()

	select {
	case <-done:
		return probeErr
	case <-time.After(v.Timeout):
		return fmt.Errorf("stun probe timed out after %s", v.Timeout)
	}
}

// probeTURN performs a full allocate/release round trip to prove the
// credentials actually work, not just that the host answers.
func (v *Verifier) probeTURN(addr, username, credential string) error {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("failed to open local socket: %w", err)
	}
	defer conn.Close()

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: addr,
		TURNServerAddr: addr,
		Conn:           conn,
		Username:       username,
		Password:       credential,
		RTO:            v.Timeout / 3,
	})
	if err != nil {
		return fmt.Errorf("failed to create turn client: %w", err)
	}
	defer client.Close()

	if err := client.Listen(); err != nil {
		return fmt.Errorf("turn client listen failed: %w", err)
	}

	relay, err := client.Allocate()
	if err != nil {
		return fmt.Errorf("allocate failed: %w", err)
	}
	return relay.Close()
}

// splitURL strips the scheme and any ?transport= suffix from an ICE url,
// leaving host:port.
func splitURL(raw string) (scheme, addr string) {
	scheme, addr, ok := strings.Cut(raw, ":")
	if !ok {
		return "", raw
	}
	if i := strings.IndexByte(addr, '?'); i >= 0 {
		addr = addr[:i]
	}
	return scheme, addr
}
