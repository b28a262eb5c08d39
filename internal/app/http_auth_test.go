package app

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"quill/api/internal/auth"
	"quill/api/internal/store"
)

func newTestServer(fs *fakeStore) *HTTPServer {
	return NewHTTPServer(newTestService(fs), "*")
}

func bearerFor(t *testing.T, userID, username string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:      userID,
		Username: username,
		JTI:      "jti-test",
		Exp:      time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func assertUnauthorizedCode(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	if rr.Code != 401 {
		t.Fatalf("expected 401, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["code"] != "UNAUTHORIZED" {
		t.Errorf("code = %v, want UNAUTHORIZED", body["code"])
	}
}

func TestRegisterReturnsSessionContract(t *testing.T) {
	server := newTestServer(&fakeStore{})

	req := httptest.NewRequest("POST", "/api/users/register", strings.NewReader(
		`{"username":"alice","email":"alice@example.com","password":"s3cret-pass"}`,
	))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	for _, key := range []string{"token", "refreshToken", "expiresAt", "user"} {
		if _, ok := body[key]; !ok {
			t.Errorf("response missing %q: %s", key, rr.Body.String())
		}
	}
	user, ok := body["user"].(map[string]any)
	if !ok {
		t.Fatalf("user is not an object: %s", rr.Body.String())
	}
	if user["username"] != "alice" {
		t.Errorf("username = %v", user["username"])
	}
	if _, ok := user["passwordHash"]; ok {
		t.Error("password hash leaked into the response")
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	server := newTestServer(&fakeStore{})

	req := httptest.NewRequest("POST", "/api/users/register", strings.NewReader(
		`{"username":"alice","email":"alice@example.com","password":"short"}`,
	))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != 422 {
		t.Fatalf("expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["code"] != "VALIDATION_ERROR" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	fs := &fakeStore{
		createUserFn: func(context.Context, store.User) error {
			return store.ErrUsernameTaken
		},
	}
	server := newTestServer(fs)

	req := httptest.NewRequest("POST", "/api/users/register", strings.NewReader(
		`{"username":"alice","email":"alice@example.com","password":"s3cret-pass"}`,
	))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != 409 {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["code"] != "USERNAME_TAKEN" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestLoginReturnsSessionContract(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	fs := &fakeStore{
		getUserByUsernameFn: func(_ context.Context, username string) (store.User, error) {
			return store.User{ID: "usr_a", Username: username, Email: "alice@example.com", PasswordHash: string(hash)}, nil
		},
	}
	server := newTestServer(fs)

	req := httptest.NewRequest("POST", "/api/users/login", strings.NewReader(
		`{"username":"alice","password":"s3cret-pass"}`,
	))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["token"] == "" || body["refreshToken"] == "" {
		t.Errorf("missing tokens: %s", rr.Body.String())
	}
}

func TestLoginWrongPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	fs := &fakeStore{
		getUserByUsernameFn: func(_ context.Context, username string) (store.User, error) {
			return store.User{ID: "usr_a", Username: username, PasswordHash: string(hash)}, nil
		},
	}
	server := newTestServer(fs)

	req := httptest.NewRequest("POST", "/api/users/login", strings.NewReader(
		`{"username":"alice","password":"wrong-pass"}`,
	))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != 401 {
		t.Fatalf("expected 401, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["code"] != "INVALID_CREDENTIALS" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestLoginRejectsInvalidBody(t *testing.T) {
	server := newTestServer(&fakeStore{})

	req := httptest.NewRequest("POST", "/api/users/login", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != 400 {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["code"] != "INVALID_BODY" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestProtectedRouteWithoutBearer(t *testing.T) {
	server := newTestServer(&fakeStore{})

	req := httptest.NewRequest("GET", "/api/notes", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithInvalidBearer(t *testing.T) {
	server := newTestServer(&fakeStore{})

	req := httptest.NewRequest("GET", "/api/notes", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithExpiredBearer(t *testing.T) {
	server := newTestServer(&fakeStore{})

	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:      "usr_a",
		Username: "alice",
		JTI:      "jti-old",
		Exp:      time.Now().Add(-time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/notes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertUnauthorizedCode(t, rr)
}

func TestProtectedRouteWithRevokedToken(t *testing.T) {
	fs := &fakeStore{}
	server := newTestServer(fs)

	session, err := server.service.issueSession(context.Background(), store.User{ID: "usr_a", Username: "alice"})
	if err != nil {
		t.Fatalf("issueSession: %v", err)
	}
	server.service.store = &revokedStore{fakeStore: fs, revoked: map[string]bool{session.JTI: true}}

	req := httptest.NewRequest("GET", "/api/notes", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	assertUnauthorizedCode(t, rr)
}

type revokedStore struct {
	*fakeStore
	revoked map[string]bool
}

func (r *revokedStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	return r.revoked[jti], nil
}
