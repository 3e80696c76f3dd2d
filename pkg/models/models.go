package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an SCA operation.
type Status string

// OperationType is the kind of business action an operation protects.
type OperationType string

// EventType is the type of an audit entry.
type EventType string

const (
	StatusCreated  Status = "CREATED"
	StatusPending  Status = "PENDING"
	StatusVerified Status = "VERIFIED"
	StatusFailed   Status = "FAILED"

	TypePaymentConfirmation OperationType = "PAYMENT_CONFIRMATION"
	TypeLoginStepUp         OperationType = "LOGIN_STEP_UP"
	TypeProfileChange       OperationType = "PROFILE_CHANGE"
	TypeBeneficiaryChange   OperationType = "BENEFICIARY_CHANGE"
	TypeOther               OperationType = "OTHER"

	EventCreated         EventType = "CREATED"
	EventTriggered       EventType = "TRIGGERED"
	EventChallengeIssued EventType = "CHALLENGE_ISSUED"
	EventAttempted       EventType = "ATTEMPTED"
	EventVerified        EventType = "VERIFIED"
	EventFailed          EventType = "FAILED"
	EventExpired         EventType = "EXPIRED"
)

// Valid tells if s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPending, StatusVerified, StatusFailed:
		return true
	}
	return false
}

// Terminal tells if no validation can move the status any further.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusFailed
}

// Valid tells if t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case TypePaymentConfirmation, TypeLoginStepUp, TypeProfileChange,
		TypeBeneficiaryChange, TypeOther:
		return true
	}
	return false
}

// Valid tells if e is a known audit event type.
func (e EventType) Valid() bool {
	switch e {
	case EventCreated, EventTriggered, EventChallengeIssued, EventAttempted,
		EventVerified, EventFailed, EventExpired:
		return true
	}
	return false
}

// Operation is a business action that requires strong customer
// authentication before it can proceed.
type Operation struct {
	ID          uuid.UUID     `json:"id"`
	ReferenceID string        `json:"reference_id"`
	Type        OperationType `json:"type"`
	PartyID     string        `json:"party_id"`
	Status      Status        `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CancelledAt *time.Time    `json:"cancelled_at"`
}

// Challenge is a single-use, time-bounded code tied to one operation.
type Challenge struct {
	ID          uuid.UUID `json:"id"`
	OperationID uuid.UUID `json:"operation_id"`
	Code        string    `json:"code"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Consumed    bool      `json:"consumed"`
}

// Active tells if the challenge can still be validated at the given time.
func (c Challenge) Active(now time.Time) bool {
	return !c.Consumed && c.ExpiresAt.After(now)
}

// Attempt is one code entry against a challenge.
type Attempt struct {
	ID          uuid.UUID `json:"id"`
	ChallengeID uuid.UUID `json:"challenge_id"`
	Value       string    `json:"value"`
	AttemptedAt time.Time `json:"attempted_at"`
	Success     bool      `json:"success"`
	Origin      string    `json:"origin"`
}

// AuditEntry is an append-only record of a lifecycle event.
type AuditEntry struct {
	ID          uuid.UUID  `json:"id"`
	OperationID uuid.UUID  `json:"operation_id"`
	ChallengeID *uuid.UUID `json:"challenge_id"`
	PartyID     string     `json:"party_id"`
	EventType   EventType  `json:"event_type"`
	EventTime   time.Time  `json:"event_time"`
	Details     string     `json:"details"`
}

// HistoryEntry records one status change of an operation.
type HistoryEntry struct {
	ID          uuid.UUID `json:"id"`
	OperationID uuid.UUID `json:"operation_id"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	ChangedAt   time.Time `json:"changed_at"`
	Reason      string    `json:"reason"`
}

// ValidationResult is the verdict of a code validation.
type ValidationResult struct {
	Success        bool   `json:"success"`
	LockedOrFailed bool   `json:"locked_or_failed"`
	Message        string `json:"message"`
}

// OperationFilter narrows down an operation listing. Empty fields match all.
type OperationFilter struct {
	PartyID     string
	ReferenceID string
	Type        OperationType
	Status      Status
}

// PageRequest is a 1-indexed page selection.
type PageRequest struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// Offset returns the number of records to skip.
func (p PageRequest) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.PerPage
}

// Page is one page of results.
type Page[T any] struct {
	Results []T `json:"results"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// Event is the payload published to event subscribers (Redis PubSub, webhooks)
// for every audit entry.
type Event struct {
	Type        EventType       `json:"type"`
	OperationID uuid.UUID       `json:"operation_id"`
	ChallengeID *uuid.UUID      `json:"challenge_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}
