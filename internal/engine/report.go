package engine

import (
	"github.com/ignite/transport-probe/internal/discovery"
	"github.com/ignite/transport-probe/internal/probe"
)

type Protocol string

const (
	ProtocolSMTP Protocol = "smtp"
	ProtocolIMAP Protocol = "imap"
)

// Request describes one transport validation job.
type Request struct {
	// Target is an email address (user@domain) or a bare domain used
	// for candidate discovery.
	Target   string   `json:"target"`
	Protocol Protocol `json:"protocol,omitempty"`

	// Host and Port pin an explicit endpoint and skip discovery.
	// With Mode empty the TLS mode is detected first.
	Host string         `json:"host,omitempty"`
	Port int            `json:"port,omitempty"`
	Mode discovery.Mode `json:"mode,omitempty"`

	Credentials probe.Credentials `json:"-"`

	// PoolID selects the connection pool; empty means the default
	// pool. CampaignID, when set, routes exhausted jobs to the dead
	// letter store.
	PoolID     string `json:"pool_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
}

// Endpoint is the winning (host, port, mode) combination.
type Endpoint struct {
	Host string         `json:"host"`
	Port int            `json:"port"`
	Mode discovery.Mode `json:"mode"`
}

// Report is the result of a validation job: the final outcome, the
// endpoint that worked if any did, and the ordered attempt log.
type Report struct {
	JobID    string          `json:"job_id"`
	Success  bool            `json:"success"`
	Endpoint *Endpoint       `json:"endpoint,omitempty"`
	Outcome  probe.Outcome   `json:"outcome"`
	Attempts []probe.Attempt `json:"attempts"`
}
