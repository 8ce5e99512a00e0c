package register

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sovsapp/enroll/internal/authapi"
	"github.com/sovsapp/enroll/internal/cache"
	"github.com/sovsapp/enroll/internal/remote"
	"github.com/sovsapp/enroll/internal/verify"
	appErrors "github.com/sovsapp/enroll/pkg/errors"
)

type stubRegistrar struct {
	user  *authapi.User
	err   error
	calls int32
	last  authapi.SignUpInput
}

func (s *stubRegistrar) SignUp(_ context.Context, input authapi.SignUpInput) (*authapi.User, error) {
	atomic.AddInt32(&s.calls, 1)
	s.last = input
	if s.err != nil {
		return nil, s.err
	}
	return s.user, nil
}

func newTestClient(t *testing.T, handler http.Handler, registrar CredentialRegistrar) (*Client, *cache.MemoryStore) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	backend, err := remote.NewHTTPClient(server.URL)
	require.NoError(t, err)

	caller := remote.NewCaller(remote.WithSleep(func(context.Context, time.Duration) error { return nil }))
	store := cache.NewMemoryStore()
	client, err := NewClient(backend, registrar, caller, store)
	require.NoError(t, err)
	return client, store
}

func validRecord() Record {
	return Record{
		Email:                "jane@example.com",
		PhoneNumber:          "+1 555 123 4567",
		Password:             "Abc12345",
		PasswordConfirmation: "Abc12345",
		Identity: verify.Identity{
			NationalID: "A123",
			Name:       "Jane",
			Surname:    "Doe",
			DOB:        "1990-01-01",
		},
		TermsAccepted: true,
		DataApproved:  true,
	}
}

func TestCheckAvailabilityCachesAnswer(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, "/check-user-exists", r.URL.Path)
		_ = json.NewEncoder(w).Encode(existsResponse{Exists: true})
	}), &stubRegistrar{})

	first, err := client.CheckAvailability(context.Background(), KindEmail, "A@B.com")
	require.NoError(t, err)
	require.True(t, first.Exists)

	second, err := client.CheckAvailability(context.Background(), KindEmail, "a@b.com ")
	require.NoError(t, err)
	require.True(t, second.Exists)

	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "second check within the TTL must not hit the backend")
}

func TestCheckAvailabilityFailsOpen(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), &stubRegistrar{})

	result, err := client.CheckAvailability(context.Background(), KindPhone, "+15551234567")
	require.NoError(t, err, "an unreachable backend must not surface as an error")
	require.False(t, result.Exists)
	require.NotEmpty(t, result.Warning)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestCheckAvailabilityRejectsUnknownKind(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no remote call expected")
	}), &stubRegistrar{})

	_, err := client.CheckAvailability(context.Background(), Kind("username"), "jane")
	require.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestCompleteRegistration(t *testing.T) {
	registrar := &stubRegistrar{user: &authapi.User{ID: "u1", Email: "jane@example.com"}}

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/register-voter", r.URL.Path)

		var req voterRecordRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "u1", req.UserID)
		require.Equal(t, "jane@example.com", req.Email)
		require.Equal(t, "A123", req.NationalID)
		require.Equal(t, "pending", req.Status)
		require.Equal(t, voterRoleID, req.RoleID)

		_ = json.NewEncoder(w).Encode(voterRecordResponse{UserID: "v1", Status: "pending", Message: "ok"})
	}), registrar)

	resp, err := client.CompleteRegistration(context.Background(), validRecord())
	require.NoError(t, err)
	require.Equal(t, "v1", resp.UserID)
	require.Equal(t, "u1", resp.AuthUserID)
	require.Equal(t, "pending", resp.Status)
	require.Equal(t, "Jane", registrar.last.Metadata.Name)
}

func TestCompleteRegistrationLocalValidationSkipsRemoteCalls(t *testing.T) {
	registrar := &stubRegistrar{user: &authapi.User{ID: "u1"}}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no remote call expected on local validation failure")
	}), registrar)

	record := validRecord()
	record.Password = "abc12345"
	record.PasswordConfirmation = "abc12345"

	_, err := client.CompleteRegistration(context.Background(), record)
	require.ErrorIs(t, err, appErrors.ErrValidation)

	var appErr *appErrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "password", appErr.Field)
	require.Zero(t, atomic.LoadInt32(&registrar.calls))
}

func TestCompleteRegistrationPasswordMismatch(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no remote call expected")
	}), &stubRegistrar{})

	record := validRecord()
	record.PasswordConfirmation = "Different1"

	_, err := client.CompleteRegistration(context.Background(), record)

	var appErr *appErrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "password_confirmation", appErr.Field)
}

func TestCompleteRegistrationVoterRecordFailureIsInconsistentState(t *testing.T) {
	registrar := &stubRegistrar{user: &authapi.User{ID: "u1"}}

	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}), registrar)

	_, err := client.CompleteRegistration(context.Background(), validRecord())
	require.ErrorIs(t, err, appErrors.ErrInconsistentState)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls), "the voter record call is retried before giving up")
	require.EqualValues(t, 1, atomic.LoadInt32(&registrar.calls), "credentials are registered exactly once")
}

func TestCompleteRegistrationAuthFailurePropagates(t *testing.T) {
	registrar := &stubRegistrar{err: appErrors.ErrAuth}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("the voter record must never be created before credentials exist")
	}), registrar)

	_, err := client.CompleteRegistration(context.Background(), validRecord())
	require.ErrorIs(t, err, appErrors.ErrAuth)
}

func TestCompleteRegistrationInvalidatesAvailabilityCache(t *testing.T) {
	registrar := &stubRegistrar{user: &authapi.User{ID: "u1"}}
	mux := http.NewServeMux()
	mux.HandleFunc("/check-user-exists", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(existsResponse{Exists: false})
	})
	mux.HandleFunc("/register-voter", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(voterRecordResponse{UserID: "v1"})
	})

	client, store := newTestClient(t, mux, registrar)

	_, err := client.CheckAvailability(context.Background(), KindEmail, "jane@example.com")
	require.NoError(t, err)

	key := cache.Key("register", "checks", "email", "jane@example.com")
	_, found, _ := store.Get(context.Background(), key)
	require.True(t, found)

	_, err = client.CompleteRegistration(context.Background(), validRecord())
	require.NoError(t, err)

	_, found, _ = store.Get(context.Background(), key)
	require.False(t, found, "a completed registration makes the cached answer stale")
}
