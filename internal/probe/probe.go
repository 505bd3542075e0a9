// Package probe executes single connect+negotiate+authenticate
// attempts against SMTP and IMAP endpoints. Network and protocol
// failures are classified into error kinds and carried inside the
// Outcome; they never surface as Go errors past this boundary.
package probe

import (
	"context"
	"time"

	"github.com/ignite/transport-probe/internal/discovery"
)

// ErrorKind classifies a probe failure.
type ErrorKind string

const (
	KindDNSFail          ErrorKind = "DNS_FAIL"
	KindTimeout          ErrorKind = "TIMEOUT"
	KindTLSRequired      ErrorKind = "TLS_REQUIRED"
	KindAuthFailed       ErrorKind = "AUTH_FAILED"
	KindConnectionFailed ErrorKind = "CONNECTION_FAILED"
	KindUnknown          ErrorKind = "UNKNOWN"
)

// Transient reports whether a failure of this kind may succeed on a
// retry. Connect failures, timeouts and unclassified protocol
// responses qualify; credential, TLS-policy and DNS failures do not.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindConnectionFailed, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// Stage tracks how far a probe got. A probe only moves forward; a
// retry is a fresh probe starting over at StageInit.
type Stage string

const (
	StageInit       Stage = "INIT"
	StageResolving  Stage = "RESOLVING"
	StageConnecting Stage = "CONNECTING"
	StageTLS        Stage = "TLS_NEGOTIATING"
	StageAuth       Stage = "AUTHENTICATING"
	StageDone       Stage = "DONE"
)

// Credentials authenticate a probe session. An empty Username turns
// the probe into an unauthenticated reachability check.
type Credentials struct {
	Username string
	Password string
}

// Request describes a single probe attempt against one endpoint.
type Request struct {
	Host           string
	Port           int
	Mode           discovery.Mode
	Credentials    Credentials
	HelloDomain    string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

func (r Request) normalized() Request {
	if r.ConnectTimeout <= 0 {
		r.ConnectTimeout = 10 * time.Second
	}
	if r.CommandTimeout <= 0 {
		r.CommandTimeout = 5 * time.Second
	}
	if r.HelloDomain == "" {
		r.HelloDomain = "localhost"
	}
	return r
}

// Outcome is the typed result of one probe: success with a measured
// latency, or a failure with a classified kind. Never both.
type Outcome struct {
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency_ns,omitempty"`
	Kind    ErrorKind     `json:"kind,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Stage   Stage         `json:"stage"`
}

func succeeded(start time.Time) Outcome {
	return Outcome{Success: true, Latency: time.Since(start), Stage: StageDone}
}

func failed(stage Stage, kind ErrorKind, detail string) Outcome {
	return Outcome{Kind: kind, Detail: detail, Stage: stage}
}

func failedErr(stage Stage, err error) Outcome {
	return Outcome{Kind: Classify(err), Detail: err.Error(), Stage: stage}
}

// Attempt is one entry of the ordered attempt log kept across a
// validation run.
type Attempt struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Mode      string    `json:"mode"`
	Success   bool      `json:"success"`
	Kind      ErrorKind `json:"kind,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
}

// Prober executes one probe attempt.
type Prober interface {
	Probe(ctx context.Context, req Request) Outcome
}
