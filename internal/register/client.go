package register

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sovsapp/enroll/internal/authapi"
	"github.com/sovsapp/enroll/internal/cache"
	"github.com/sovsapp/enroll/internal/remote"
	"github.com/sovsapp/enroll/internal/verify"
	appErrors "github.com/sovsapp/enroll/pkg/errors"
	"github.com/sovsapp/enroll/pkg/logger"
	"github.com/sovsapp/enroll/pkg/metrics"
	"github.com/sovsapp/enroll/pkg/validator"
)

const (
	defaultCheckTTL = time.Minute

	// voterRoleID is the backend role assigned to every self-registered voter.
	voterRoleID = 1
)

var (
	// availabilityPolicy keeps duplicate checks cheap: two quick attempts,
	// then fail open rather than block the form.
	availabilityPolicy = remote.NewPolicy(2, 500*time.Millisecond)
	// voterRecordPolicy covers the final record creation. The default
	// predicate already refuses to repeat authentication failures.
	voterRecordPolicy = remote.NewPolicy(3, time.Second)
)

// Kind names a uniqueness check target.
type Kind string

const (
	KindEmail Kind = "email"
	KindPhone Kind = "phone"
)

// Availability reports whether a value is already registered. Warning is set
// when the check could not be performed and the answer defaulted to "free".
type Availability struct {
	Exists  bool   `json:"exists"`
	Warning string `json:"warning,omitempty"`
}

// Record is everything a user accumulates before final submission.
type Record struct {
	Email                string          `json:"email"`
	PhoneNumber          string          `json:"phone_number"`
	Password             string          `json:"password"`
	PasswordConfirmation string          `json:"password_confirmation"`
	Identity             verify.Identity `json:"identity"`
	TermsAccepted        bool            `json:"terms_accepted"`
	DataApproved         bool            `json:"data_approved"`
}

// Response is the result of a completed registration.
type Response struct {
	UserID     string `json:"user_id"`
	AuthUserID string `json:"auth_user_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// CredentialRegistrar registers credentials with the auth provider.
type CredentialRegistrar interface {
	SignUp(ctx context.Context, input authapi.SignUpInput) (*authapi.User, error)
}

// Client performs duplicate checks and the two-step registration against the
// auth provider and the backend voter store.
type Client struct {
	backend  *remote.HTTPClient
	auth     CredentialRegistrar
	caller   *remote.Caller
	store    cache.Store
	log      *zap.Logger
	checkTTL time.Duration
}

// ClientOption customises the Client.
type ClientOption func(*Client)

// WithCheckTTL overrides how long availability answers stay cached.
func WithCheckTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl > 0 {
			c.checkTTL = ttl
		}
	}
}

// NewClient constructs a registration client.
func NewClient(backend *remote.HTTPClient, auth CredentialRegistrar, caller *remote.Caller, store cache.Store, opts ...ClientOption) (*Client, error) {
	if backend == nil {
		return nil, errors.New("register: backend client is required")
	}
	if auth == nil {
		return nil, errors.New("register: credential registrar is required")
	}
	if caller == nil {
		caller = remote.NewCaller()
	}

	client := &Client{
		backend:  backend,
		auth:     auth,
		caller:   caller,
		store:    store,
		log:      logger.WithModule("register"),
		checkTTL: defaultCheckTTL,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type existsRequest struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

// CheckAvailability reports whether an email or phone number is already
// registered. Answers are cached for a minute; a failing backend is treated as
// "available" with a warning so a transient outage never blocks the form —
// duplicates are still caught at final submission.
func (c *Client) CheckAvailability(ctx context.Context, kind Kind, value string) (*Availability, error) {
	value = normalize(kind, value)
	if value == "" {
		return nil, appErrors.NewValidation(string(kind), "A value to check is required")
	}
	if kind != KindEmail && kind != KindPhone {
		return nil, appErrors.NewValidation("kind", "Unknown availability check kind")
	}

	key := cache.Key("register", "checks", string(kind), value)
	if cached, found := c.cachedCheck(ctx, key); found {
		metrics.CacheLookups.WithLabelValues("register", "hit").Inc()
		return &Availability{Exists: cached}, nil
	}
	metrics.CacheLookups.WithLabelValues("register", "miss").Inc()

	resp, err := remote.Do(ctx, c.caller, "check-user-exists", availabilityPolicy,
		func(ctx context.Context) (*existsResponse, error) {
			var out existsResponse
			if err := c.backend.PostJSON(ctx, "/check-user-exists", existsRequest{Kind: kind, Value: value}, &out); err != nil {
				return nil, err
			}
			return &out, nil
		})
	if err != nil {
		c.log.Warn("availability check failed open",
			zap.String("kind", string(kind)), zap.Error(err))
		return &Availability{Exists: false, Warning: "Availability could not be verified; it will be re-checked at submission"}, nil
	}

	c.storeCheck(ctx, key, resp.Exists)
	return &Availability{Exists: resp.Exists}, nil
}

type voterRecordRequest struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name"`
	Surname     string `json:"surname"`
	DateOfBirth string `json:"date_of_birth"`
	NationalID  string `json:"national_id"`
	Status      string `json:"status"`
	RoleID      int    `json:"role_id"`
}

type voterRecordResponse struct {
	UserID  string `json:"user_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CompleteRegistration validates the record locally, registers credentials,
// then creates the voter record keyed by the durable user id. The two remote
// steps are not atomic: a voter-record failure after a successful credential
// sign-up leaves an authenticated-but-unregistered identity and is reported
// as an inconsistent-state error with no automatic compensation.
func (c *Client) CompleteRegistration(ctx context.Context, record Record) (*Response, error) {
	if err := validateRecord(record); err != nil {
		metrics.Registrations.WithLabelValues("validation_failed").Inc()
		return nil, err
	}

	email := normalize(KindEmail, record.Email)

	user, err := c.auth.SignUp(ctx, authapi.SignUpInput{
		Email:    email,
		Password: record.Password,
		Metadata: authapi.Metadata{
			Name:        record.Identity.Name,
			Surname:     record.Identity.Surname,
			PhoneNumber: record.PhoneNumber,
			NationalID:  record.Identity.NationalID,
		},
	})
	if err != nil {
		metrics.Registrations.WithLabelValues("error").Inc()
		return nil, err
	}

	resp, err := remote.Do(ctx, c.caller, "register-voter", voterRecordPolicy,
		func(ctx context.Context) (*voterRecordResponse, error) {
			var out voterRecordResponse
			req := voterRecordRequest{
				UserID:      user.ID,
				Email:       email,
				PhoneNumber: record.PhoneNumber,
				Name:        record.Identity.Name,
				Surname:     record.Identity.Surname,
				DateOfBirth: record.Identity.DOB,
				NationalID:  record.Identity.NationalID,
				Status:      "pending",
				RoleID:      voterRoleID,
			}
			if err := c.backend.PostJSON(ctx, "/register-voter", req, &out); err != nil {
				return nil, err
			}
			return &out, nil
		})
	if err != nil {
		metrics.Registrations.WithLabelValues("inconsistent").Inc()
		c.log.Error("voter record creation failed after credential sign-up",
			zap.String("auth_user_id", user.ID), zap.Error(err))
		return nil, appErrors.ErrInconsistentState.WithInternal(err)
	}

	// The "not registered" answers cached for these values are now stale.
	c.invalidateChecks(ctx, email, record.PhoneNumber)

	result := &Response{
		UserID:     resp.UserID,
		AuthUserID: user.ID,
		Status:     resp.Status,
		Message:    resp.Message,
	}
	if result.UserID == "" {
		result.UserID = user.ID
	}
	if result.Status == "" {
		result.Status = "pending"
	}
	if result.Message == "" {
		result.Message = "Registration successful"
	}

	metrics.Registrations.WithLabelValues("success").Inc()
	c.log.Info("registration completed",
		zap.String("user_id", result.UserID), zap.String("status", result.Status))
	return result, nil
}

func validateRecord(record Record) error {
	email := normalize(KindEmail, record.Email)
	switch {
	case email == "":
		return appErrors.NewValidation("email", "Email is required")
	case !strings.Contains(email, "@") || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@"):
		return appErrors.NewValidation("email", "Enter a valid email address")
	}

	if record.PhoneNumber == "" {
		return appErrors.NewValidation("phone_number", "Phone number is required")
	}
	if !validator.IsPhoneNumber(record.PhoneNumber) {
		return appErrors.NewValidation("phone_number", "Enter a valid phone number")
	}

	if strength := CheckPasswordStrength(record.Password); !strength.Valid {
		return appErrors.NewValidation("password", strings.Join(strength.Errors, "; "))
	}
	if record.Password != record.PasswordConfirmation {
		return appErrors.NewValidation("password_confirmation", "Passwords do not match")
	}

	identity := record.Identity
	if identity.NationalID == "" || identity.Name == "" || identity.Surname == "" || identity.DOB == "" {
		return appErrors.NewValidation("identity", "Verified identity details are incomplete")
	}

	if !record.TermsAccepted {
		return appErrors.NewValidation("terms_accepted", "The terms and conditions must be accepted")
	}
	if !record.DataApproved {
		return appErrors.NewValidation("data_approved", "The reviewed details must be approved")
	}

	return nil
}

func normalize(kind Kind, value string) string {
	value = strings.TrimSpace(value)
	if kind == KindEmail {
		return strings.ToLower(value)
	}
	return strings.ReplaceAll(value, " ", "")
}

func (c *Client) cachedCheck(ctx context.Context, key string) (bool, bool) {
	if c.store == nil {
		return false, false
	}

	raw, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return false, false
	}

	var exists bool
	if err := json.Unmarshal(raw, &exists); err != nil {
		_ = c.store.Delete(ctx, key)
		return false, false
	}
	return exists, true
}

func (c *Client) storeCheck(ctx context.Context, key string, exists bool) {
	if c.store == nil {
		return
	}

	raw, _ := json.Marshal(exists)
	if err := c.store.Set(ctx, key, raw, c.checkTTL); err != nil {
		c.log.Warn("caching availability answer failed", zap.Error(err))
	}
}

func (c *Client) invalidateChecks(ctx context.Context, email, phone string) {
	if c.store == nil {
		return
	}
	_ = c.store.Delete(ctx, cache.Key("register", "checks", string(KindEmail), normalize(KindEmail, email)))
	_ = c.store.Delete(ctx, cache.Key("register", "checks", string(KindPhone), normalize(KindPhone, phone)))
}
