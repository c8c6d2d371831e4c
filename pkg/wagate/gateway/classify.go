package gateway

import (
	"strings"

	"github.com/jholhewres/wagate/pkg/wagate/transport"
)

// Severity buckets a connection close for the reconnection policy.
type Severity int

const (
	// SeverityRecoverable closes are followed by a delayed reconnect.
	SeverityRecoverable Severity = iota
	// SeverityUnrecoverable closes invalidate the credentials; the
	// session is torn down and must be re-paired.
	SeverityUnrecoverable
)

func (s Severity) String() string {
	if s == SeverityUnrecoverable {
		return "unrecoverable"
	}
	return "recoverable"
}

// Verdict is the full classification of one close event.
type Verdict struct {
	Severity Severity
	// Quiet suppresses the operator-facing disconnect notification for
	// noise closes that resolve themselves (timeouts, dropped sockets).
	Quiet bool
	// Reason is a short stable label for logs and status output.
	Reason string
}

// closeRule maps a close code onto a verdict.
type closeRule struct {
	severity Severity
	quiet    bool
	reason   string
}

// closeTable is the reconnection policy, keyed by the server close code.
// Codes not listed default to a loud recoverable close.
var closeTable = map[int]closeRule{
	transport.CodeLoggedOut:      {SeverityUnrecoverable, false, "logged out"},
	transport.CodeBanned:         {SeverityUnrecoverable, false, "banned"},
	transport.CodeStreamReplaced: {SeverityUnrecoverable, false, "stream replaced"},
	transport.CodeBadSession:     {SeverityUnrecoverable, false, "bad session"},

	transport.CodeTimedOut:       {SeverityRecoverable, true, "timed out"},
	transport.CodeConnectionLost: {SeverityRecoverable, true, "connection lost"},

	transport.CodeClientOutdated:      {SeverityRecoverable, false, "client outdated"},
	transport.CodeMultideviceMismatch: {SeverityRecoverable, false, "multidevice mismatch"},
	transport.CodeServiceUnavailable:  {SeverityRecoverable, false, "service unavailable"},
	transport.CodeRestartRequired:     {SeverityRecoverable, true, "restart required"},
}

// credentialErrorPatterns identify decryption/session corruption surfaced
// as error text rather than a close code. Any match is unrecoverable.
var credentialErrorPatterns = []string{
	"bad mac",
	"failed to decrypt",
	"invalid prekey",
	"no matching sessions",
}

// Classify resolves a close event to a verdict. A nil info (local close
// without server detail) is treated as a quiet recoverable close.
func Classify(info *transport.CloseInfo) Verdict {
	if info == nil {
		return Verdict{Severity: SeverityRecoverable, Quiet: true, Reason: "closed"}
	}
	if rule, ok := closeTable[info.Code]; ok {
		return Verdict{Severity: rule.severity, Quiet: rule.quiet, Reason: rule.reason}
	}

	msg := strings.ToLower(info.Message)
	for _, pat := range credentialErrorPatterns {
		if strings.Contains(msg, pat) {
			return Verdict{Severity: SeverityUnrecoverable, Reason: "credential failure"}
		}
	}
	return Verdict{Severity: SeverityRecoverable, Reason: "closed"}
}
