// Package upstream is the HTTP boundary to the proprietary code-assistant
// backend: client construction, outbound header assembly (spec §6), the
// deterministic machine-id derivation, and the dispatch calls C10/C11
// drive. It mirrors the teacher's common/client HTTP-construction shape
// (proxy-aware transport, per-endpoint timeouts) and the copilot
// adaptor's editor-identity header idiom, generalized to this proxy's
// single upstream.
package upstream

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Laisky/codeassist-proxy/internal/config"
	"github.com/Laisky/codeassist-proxy/internal/dialect"
)

// Per-endpoint timeouts (spec §5 "Timeouts"). A caller-supplied context
// deadline/abort signal may still terminate a call earlier.
const (
	TokenExchangeTimeout = 10 * time.Second
	UsageTimeout         = 30 * time.Second
	EmbeddingsTimeout    = 30 * time.Second
	ModelsListTimeout    = 10 * time.Second
	ChatCompletionTimeout = 60 * time.Second
)

const (
	integrationID  = "codeassist-proxy"
	editorVersion  = "codeassist-proxy/1.0.0"
	userAgent      = "codeassist-proxy/1.0.0"
)

// NewHTTPClient builds the shared outbound client, honoring the
// HTTP_PROXY/HTTPS_PROXY overrides surfaced through config (spec §6).
// HTTP/2 is disabled, matching the teacher's transport construction,
// since this upstream's SSE framing has historically been flaky over h2.
func NewHTTPClient(cfg *config.Config, timeout time.Duration) *http.Client {
	// A non-nil, empty TLSNextProto keeps the transport on HTTP/1.1.
	transport := &http.Transport{TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{}}
	if p := cfg.HTTPSProxy; p != "" {
		if u, err := url.Parse(p); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	} else if p := cfg.HTTPProxy; p != "" {
		if u, err := url.Parse(p); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

var (
	machineIDOnce sync.Once
	machineID     string
)

// MachineID returns a deterministic, process-lifetime-cached SHA-256 of
// the first non-trivial (non-zero, non-loopback) MAC address found on the
// host, hex-encoded. Computing it lazily once is sufficient — the spec
// only requires it be stable per machine, not per request.
func MachineID() string {
	machineIDOnce.Do(func() {
		machineID = computeMachineID()
	})
	return machineID
}

func computeMachineID() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			if len(iface.HardwareAddr) == 0 || isZeroMAC(iface.HardwareAddr) {
				continue
			}
			sum := sha256.Sum256(iface.HardwareAddr)
			return hex.EncodeToString(sum[:])
		}
	}
	// No usable interface (containers without host networking, CI
	// sandboxes): fall back to a fresh random identity rather than a
	// fixed constant, which would collide across hosts in the same
	// fallback state.
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])
}

func isZeroMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}

// Headers builds the outbound upstream dispatch headers (spec §6):
// bearer session token, content-type, integration/editor/user-agent tags,
// API version, a fresh per-call request id, the machine id, the session
// id, X-Initiator derived from the most recent message role, and a
// vision-enable header when the conversation carries an image part.
func Headers(cfg *config.Config, sessionToken, sessionID string, messages []dialect.Message) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+sessionToken)
	h.Set("Content-Type", "application/json")
	h.Set("Copilot-Integration-Id", integrationID)
	h.Set("Editor-Version", editorVersion)
	h.Set("User-Agent", userAgent)
	h.Set("X-Api-Version", cfg.APIVersion)
	h.Set("X-Request-Id", uuid.NewString())
	h.Set("X-Machine-Id", MachineID())
	h.Set("X-Session-Id", sessionID)
	h.Set("X-Initiator", initiatorFor(messages))
	if requiresVision(messages) {
		h.Set("X-Vision-Enable", "true")
	}
	return h
}

// initiatorFor reports "agent" when the most recent message is an
// assistant or tool turn (the proxy is relaying an agentic client's
// follow-up), else "user".
func initiatorFor(messages []dialect.Message) string {
	if len(messages) == 0 {
		return "user"
	}
	switch messages[len(messages)-1].Role {
	case string(dialect.RoleAssistant), string(dialect.RoleTool):
		return "agent"
	default:
		return "user"
	}
}

func requiresVision(messages []dialect.Message) bool {
	for _, m := range messages {
		if m.Content.Kind != dialect.ContentKindParts {
			continue
		}
		for _, p := range m.Content.Parts {
			if p.Type == dialect.PartTypeImageURL {
				return true
			}
		}
	}
	return false
}
