package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionState is the lifecycle tag of a session. The label is derived from
// the tag; nothing stores it separately.
type SessionState uint8

const (
	StateRequested SessionState = iota + 1
	StateCounterOffered
	StateAccepted
	StateCompleted
	StateRejected
	StateExpired
	StateCancelled
	StateDisputed
	StateResolved
)

var stateLabels = map[SessionState]string{
	StateRequested:      "requested",
	StateCounterOffered: "counter_offered",
	StateAccepted:       "accepted",
	StateCompleted:      "completed",
	StateRejected:       "rejected",
	StateExpired:        "expired",
	StateCancelled:      "cancelled",
	StateDisputed:       "disputed",
	StateResolved:       "resolved",
}

func (s SessionState) String() string {
	if l, ok := stateLabels[s]; ok {
		return l
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether no transition may leave s.
func (s SessionState) Terminal() bool {
	switch s {
	case StateRejected, StateExpired, StateCancelled, StateResolved:
		return true
	}
	return false
}

// Negotiating reports whether s carries a negotiation deadline.
func (s SessionState) Negotiating() bool {
	return s == StateRequested || s == StateCounterOffered
}

func (s SessionState) MarshalText() ([]byte, error) {
	if _, ok := stateLabels[s]; !ok {
		return nil, fmt.Errorf("unknown session state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *SessionState) UnmarshalText(b []byte) error {
	v, err := ParseSessionState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSessionState maps a persisted label back to its tag.
func ParseSessionState(label string) (SessionState, error) {
	for s, l := range stateLabels {
		if l == label {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown session state %q", label)
}

// Session is a plain record; transitions live in the sessions package.
type Session struct {
	ID            uuid.UUID       `json:"id"`
	ListingID     uuid.UUID       `json:"listing_id"`
	StudentID     uuid.UUID       `json:"student_id"`
	TeacherID     uuid.UUID       `json:"teacher_id"`
	EscrowID      uuid.UUID       `json:"escrow_id"`
	Price         decimal.Decimal `json:"price"`
	State         SessionState    `json:"state"`
	ProposedTime  time.Time       `json:"proposed_time"`
	ProposedBy    uuid.UUID       `json:"proposed_by"`
	ScheduledTime *time.Time      `json:"scheduled_time,omitempty"`
	// ExpiresAt is set only while negotiating.
	ExpiresAt        *time.Time   `json:"expires_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	CancelledBy      *uuid.UUID   `json:"cancelled_by,omitempty"`
	NoShowReportedBy *uuid.UUID   `json:"no_show_reported_by,omitempty"`
	DisputeReason    string       `json:"dispute_reason,omitempty"`
	DisputedBy       *uuid.UUID   `json:"disputed_by,omitempty"`
	DisputedFrom     SessionState `json:"disputed_from,omitempty"`
	ResolvedAt       *time.Time   `json:"resolved_at,omitempty"`
	Resolution       *Resolution  `json:"resolution,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Participant reports whether userID is the student or the teacher.
func (s *Session) Participant(userID uuid.UUID) bool {
	return userID == s.StudentID || userID == s.TeacherID
}

// Counterpart returns the other participant.
func (s *Session) Counterpart(userID uuid.UUID) uuid.UUID {
	if userID == s.StudentID {
		return s.TeacherID
	}
	return s.StudentID
}

// Bonus is a compensation credit issued during dispute resolution.
type Bonus struct {
	UserID uuid.UUID       `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// Resolution is the admin's decision for a disputed session.
type Resolution struct {
	RefundAll     bool             `json:"refund_all,omitempty"`
	RefundAmount  *decimal.Decimal `json:"refund_amount,omitempty"`
	PayTeacher    bool             `json:"pay_teacher,omitempty"`
	Bonuses       []Bonus          `json:"bonuses,omitempty"`
	Warning       string           `json:"warning,omitempty"`
	WarnUserID    *uuid.UUID       `json:"warn_user_id,omitempty"`
	SuspendUserID *uuid.UUID       `json:"suspend_user_id,omitempty"`
	Note          string           `json:"note,omitempty"`
	ResolvedBy    uuid.UUID        `json:"resolved_by"`
}

// Cancellation feeds the teacher's rolling cancellation counter.
type Cancellation struct {
	TeacherID   uuid.UUID `json:"teacher_id"`
	SessionID   uuid.UUID `json:"session_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// SupportTicket is opened when a session is disputed.
type SupportTicket struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
