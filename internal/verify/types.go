package verify

// Status enumerates the lifecycle of a provider verification session.
type Status string

const (
	StatusCreated  Status = "created"
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// Identity holds the verified personal data extracted by the provider. It is
// immutable once obtained: correcting it requires discarding the session and
// restarting verification.
type Identity struct {
	NationalID   string `json:"national_id"`
	Name         string `json:"name"`
	Surname      string `json:"surname"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	FatherName   string `json:"father_name,omitempty"`
	MotherName   string `json:"mother_name,omitempty"`
	DOB          string `json:"dob"`
	Address      string `json:"address,omitempty"`
	PlaceOfBirth string `json:"place_of_birth,omitempty"`
}

// Session is a server-tracked identity-verification attempt.
type Session struct {
	ID              string    `json:"session_id"`
	Status          Status    `json:"status"`
	VerificationURL string    `json:"verification_url,omitempty"`
	UserInfo        *Identity `json:"user_info,omitempty"`
	CreatedAt       string    `json:"created_at,omitempty"`
}

// Outcome is the result of finalizing a session. A provider rejection is a
// normal outcome carried in Reason, not an error.
type Outcome struct {
	SessionID string    `json:"session_id"`
	Verified  bool      `json:"verified"`
	Identity  *Identity `json:"identity,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}
