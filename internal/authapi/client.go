package authapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sovsapp/enroll/internal/remote"
	appErrors "github.com/sovsapp/enroll/pkg/errors"
	"github.com/sovsapp/enroll/pkg/logger"
)

// signUpPolicy keeps the credential call conservative: a duplicate sign-up
// attempt is cheap but not free, so only one retry is allowed.
var signUpPolicy = remote.NewPolicy(2, time.Second)

// Metadata is the profile bag stored alongside the credentials.
type Metadata struct {
	Name        string `json:"name"`
	Surname     string `json:"surname"`
	PhoneNumber string `json:"phone_number"`
	NationalID  string `json:"national_id"`
}

// SignUpInput carries everything needed to register credentials.
type SignUpInput struct {
	Email    string
	Password string
	Metadata Metadata
}

// User is the durable identity returned by the auth provider.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Client registers credentials with the external authentication provider.
type Client struct {
	api    *remote.HTTPClient
	caller *remote.Caller
	log    *zap.Logger
}

// NewClient constructs an auth provider client. The api client must already
// carry the provider's API key header.
func NewClient(api *remote.HTTPClient, caller *remote.Caller) (*Client, error) {
	if api == nil {
		return nil, errors.New("authapi: api client is required")
	}
	if caller == nil {
		caller = remote.NewCaller()
	}

	return &Client{
		api:    api,
		caller: caller,
		log:    logger.WithModule("authapi"),
	}, nil
}

type signUpRequest struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Data     Metadata `json:"data"`
}

type signUpResponse struct {
	ID   string `json:"id"`
	User *User  `json:"user,omitempty"`
}

// SignUp creates the credential record and returns the durable user. A
// reported success without a user identifier is a fatal inconsistency and is
// surfaced as an error.
func (c *Client) SignUp(ctx context.Context, input SignUpInput) (*User, error) {
	input.Email = strings.TrimSpace(strings.ToLower(input.Email))
	if input.Email == "" {
		return nil, errors.New("authapi: email is required")
	}
	if input.Password == "" {
		return nil, errors.New("authapi: password is required")
	}

	resp, err := remote.Do(ctx, c.caller, "auth-signup", signUpPolicy,
		func(ctx context.Context) (*signUpResponse, error) {
			var out signUpResponse
			req := signUpRequest{Email: input.Email, Password: input.Password, Data: input.Metadata}
			if err := c.api.PostJSON(ctx, "/signup", req, &out); err != nil {
				return nil, err
			}
			return &out, nil
		})
	if err != nil {
		c.log.Error("credential sign-up failed", zap.String("email", input.Email), zap.Error(err))
		return nil, err
	}

	user := resp.User
	if user == nil {
		user = &User{ID: resp.ID, Email: input.Email}
	}
	// Credentials may exist on the provider side even though no id came back;
	// treat it like the half-completed registration it is.
	if strings.TrimSpace(user.ID) == "" {
		return nil, appErrors.ErrInconsistentState.WithInternal(
			errors.New("authapi: provider reported success without a user id"))
	}
	if user.Email == "" {
		user.Email = input.Email
	}

	c.log.Debug("auth user created", zap.String("user_id", user.ID))
	return user, nil
}
