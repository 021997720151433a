package approval

import (
	"errors"
	"time"
)

// Request statuses.
type Status string

const (
	StatusRequired Status = "required"
	StatusGranted  Status = "granted"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Gate outcomes that fail the caller's operation.
var (
	ErrDenied  = errors.New("approval denied")
	ErrExpired = errors.New("approval expired")

	// ErrUnknownApproval marks decisions against ids not in the queue.
	ErrUnknownApproval = errors.New("unknown approval")
)

// Request is one gated operation awaiting (or past) a decision.
type Request struct {
	ApprovalID     string     `json:"approval_id"`
	CreatedAt      time.Time  `json:"created_at"`
	Actor          string     `json:"actor"`
	Tool           string     `json:"tool"`
	Operation      string     `json:"operation"`
	Target         string     `json:"target"`
	RiskScore      float64    `json:"risk_score"`
	RiskReasons    []string   `json:"risk_reasons"`
	RiskVersion    string     `json:"risk_version"`
	Status         Status     `json:"status"`
	DecidedBy      string     `json:"decided_by,omitempty"`
	DecisionReason string     `json:"decision_reason,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
}

func (r *Request) clone() *Request {
	dup := *r
	dup.RiskReasons = append([]string(nil), r.RiskReasons...)
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		dup.DecidedAt = &t
	}
	return &dup
}
