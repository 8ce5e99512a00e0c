package workflow

import (
	"net/http"

	"github.com/sovsapp/enroll/internal/register"
	"github.com/sovsapp/enroll/internal/verify"
	appErrors "github.com/sovsapp/enroll/pkg/errors"
)

// Step is one stage of the enrollment wizard. Steps advance forward only; the
// single way back is a full reset.
type Step string

const (
	StepRegister     Step = "register"
	StepDidit        Step = "didit"
	StepVerification Step = "verification"
	StepDetails      Step = "details"
	StepComplete     Step = "complete"
)

var stepOrder = []Step{StepRegister, StepDidit, StepVerification, StepDetails, StepComplete}

// Index returns the step's position in the forward order, or -1 for an
// unknown step.
func (s Step) Index() int {
	for i, step := range stepOrder {
		if step == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s names a known step.
func (s Step) Valid() bool {
	return s.Index() >= 0
}

// Transition gate failures.
var (
	ErrTermsNotAccepted = appErrors.New("TERMS_NOT_ACCEPTED",
		"The terms and conditions must be accepted first", http.StatusConflict)
	ErrSessionMissing = appErrors.New("SESSION_MISSING",
		"No verification session has been started", http.StatusConflict)
	ErrSessionNotVerified = appErrors.New("SESSION_NOT_VERIFIED",
		"The verification session has not been verified", http.StatusConflict)
	ErrDataNotApproved = appErrors.New("DATA_NOT_APPROVED",
		"The reviewed details have not been approved", http.StatusConflict)
	ErrInvalidTransition = appErrors.New("INVALID_TRANSITION",
		"That action is not available at the current step", http.StatusConflict)
)

// State is the accumulated progress of one enrollment flow. It is a plain
// value with no locking; the owning manager serializes access.
type State struct {
	Step          Step               `json:"step"`
	TermsAccepted bool               `json:"terms_accepted"`
	Session       *verify.Session    `json:"session,omitempty"`
	Identity      *verify.Identity   `json:"identity,omitempty"`
	Record        *register.Record   `json:"record,omitempty"`
	Registration  *register.Response `json:"registration,omitempty"`
}

// NewState returns a fresh flow positioned at the first step.
func NewState() *State {
	return &State{Step: StepRegister}
}

// AcceptTerms records consent. It is idempotent and allowed only before the
// flow leaves the first step.
func (s *State) AcceptTerms() error {
	if s.Step != StepRegister {
		return ErrInvalidTransition
	}
	s.TermsAccepted = true
	return nil
}

// StartVerification attaches a provider session and advances to the identity
// hand-off. Consent gates the exit from the first step.
func (s *State) StartVerification(session *verify.Session) error {
	if s.Step != StepRegister {
		return ErrInvalidTransition
	}
	if !s.TermsAccepted {
		return ErrTermsNotAccepted
	}
	if session == nil || session.ID == "" {
		return ErrSessionMissing
	}

	s.Session = session
	s.Step = StepDidit
	return nil
}

// CompleteVerification applies a verified outcome and advances past the
// hand-off. An unverified outcome never moves the flow.
func (s *State) CompleteVerification(outcome *verify.Outcome) error {
	if s.Step != StepDidit {
		return ErrInvalidTransition
	}
	if s.Session == nil {
		return ErrSessionMissing
	}
	if outcome == nil || !outcome.Verified {
		return ErrSessionNotVerified
	}

	s.Session.Status = verify.StatusVerified
	s.Identity = outcome.Identity
	s.Step = StepVerification
	return nil
}

// SubmitDetails stores the user-entered record and advances to the review
// step. The record must carry the reviewed-data approval. Re-submission while
// already at the review step replaces the stored record: snapshots never
// persist credentials, so a resumed flow must be able to supply its password
// again without being sent back through verification.
func (s *State) SubmitDetails(record *register.Record) error {
	if s.Step != StepVerification && s.Step != StepDetails {
		return ErrInvalidTransition
	}
	if record == nil || !record.DataApproved {
		return ErrDataNotApproved
	}

	record.TermsAccepted = s.TermsAccepted
	if s.Identity != nil {
		record.Identity = *s.Identity
	}
	s.Record = record
	s.Step = StepDetails
	return nil
}

// Finish records the completed registration and closes the flow.
func (s *State) Finish(result *register.Response) error {
	if s.Step != StepDetails {
		return ErrInvalidTransition
	}
	if s.Record == nil || !s.Record.DataApproved {
		return ErrDataNotApproved
	}

	s.Registration = result
	s.Step = StepComplete
	return nil
}

// Reset returns the flow to the first step and discards everything
// accumulated, callable from any step.
func (s *State) Reset() {
	*s = State{Step: StepRegister}
}
