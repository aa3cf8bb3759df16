package provider

import (
	"time"
)

// Config holds the gateway endpoint and credentials.
// Injected at construction so tests can point the client at a fake server.
type Config struct {
	BaseURL     string
	Token       string
	OwnerNumber string
	Timeout     time.Duration // 0 means default (30s)
	RatePerSec  int           // 0 means default (1)
}

// statusOK is the per-participant "ok" sentinel in the gateway's response.
// Other values seen in the wild: 403 (not on WhatsApp / blocked), 408 (timed out).
const statusOK = 200

// ParticipantStatus is the gateway's per-participant outcome for an
// add/remove call.
type ParticipantStatus struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the gateway accepted this participant.
func (p ParticipantStatus) OK() bool { return p.Status == statusOK }

// CallResult is the validated outcome of one gateway call.
//
// Success reflects the gateway's embedded success flag, not the HTTP status:
// the gateway is known to return 200 with a failure payload.
// Raw preserves the response body for the operation ledger.
type CallResult struct {
	Success      bool
	GroupJID     string
	Participants []ParticipantStatus
	Raw          string
}

// FailedParticipants returns every per-participant status that isn't the ok
// sentinel.
func (r *CallResult) FailedParticipants() []ParticipantStatus {
	if r == nil {
		return nil
	}
	var out []ParticipantStatus
	for _, p := range r.Participants {
		if !p.OK() {
			out = append(out, p)
		}
	}
	return out
}

// ---- wire types ----

type createGroupRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

type participantsRequest struct {
	Participants []string `json:"participants"`
}

// apiResponse is the explicit response schema validated at this boundary.
// Anything that doesn't decode into it is treated as a call failure, never
// silently assumed successful.
type apiResponse struct {
	Success      bool                `json:"success"`
	GroupID      string              `json:"group_id,omitempty"`
	Error        string              `json:"error,omitempty"`
	Participants []ParticipantStatus `json:"participants,omitempty"`
}
