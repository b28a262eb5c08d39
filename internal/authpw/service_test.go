package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"quill/api/internal/store"
)

type fakeUserStore struct {
	createUser         func(ctx context.Context, user store.User) error
	getUserByUsername  func(ctx context.Context, username string) (store.User, error)
	getUserByEmail     func(ctx context.Context, email string) (store.User, error)
	updateUserPassword func(ctx context.Context, userID, passwordHash string) error
	touchLastLogin     func(ctx context.Context, userID string, at time.Time) error
}

func (f *fakeUserStore) CreateUser(ctx context.Context, user store.User) error {
	return f.createUser(ctx, user)
}

func (f *fakeUserStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	return f.getUserByUsername(ctx, username)
}

func (f *fakeUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmail != nil {
		return f.getUserByEmail(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	return f.updateUserPassword(ctx, userID, passwordHash)
}

func (f *fakeUserStore) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	if f.touchLastLogin != nil {
		return f.touchLastLogin(ctx, userID, at)
	}
	return nil
}

func TestRegisterHashesPassword(t *testing.T) {
	var created store.User
	svc := NewService(&fakeUserStore{
		createUser: func(_ context.Context, user store.User) error {
			created = user
			return nil
		},
	})

	user, err := svc.Register(context.Background(), RegisterRequest{
		Username: "alice",
		Email:    "Alice@Example.com",
		Password: "correct-horse",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if created.ID == "" || user.ID != created.ID {
		t.Errorf("expected user id to be set, got %q", user.ID)
	}
	if created.Email != "alice@example.com" {
		t.Errorf("email = %q, want lowercased alice@example.com", created.Email)
	}
	if created.PasswordHash == "correct-horse" || created.PasswordHash == "" {
		t.Error("password was not hashed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(created.PasswordHash), []byte("correct-horse")); err != nil {
		t.Errorf("stored hash does not match password: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewService(&fakeUserStore{
		createUser: func(context.Context, store.User) error {
			t.Fatal("CreateUser should not be called")
			return nil
		},
	})

	cases := []struct {
		name string
		req  RegisterRequest
	}{
		{"missing username", RegisterRequest{Email: "a@b.co", Password: "longenough"}},
		{"missing email", RegisterRequest{Username: "alice", Password: "longenough"}},
		{"short password", RegisterRequest{Username: "alice", Email: "a@b.co", Password: "short"}},
		{"bad username chars", RegisterRequest{Username: "a l i c e", Email: "a@b.co", Password: "longenough"}},
		{"bad email", RegisterRequest{Username: "alice", Email: "not-an-email", Password: "longenough"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(context.Background(), tc.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRegisterPassesThroughConflicts(t *testing.T) {
	svc := NewService(&fakeUserStore{
		createUser: func(context.Context, store.User) error {
			return store.ErrUsernameTaken
		},
	})

	_, err := svc.Register(context.Background(), RegisterRequest{
		Username: "alice",
		Email:    "a@b.co",
		Password: "longenough",
	})
	if !errors.Is(err, store.ErrUsernameTaken) {
		t.Fatalf("err = %v, want ErrUsernameTaken", err)
	}
}

func TestLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	alice := store.User{ID: "usr_1", Username: "alice", PasswordHash: string(hash)}

	touched := false
	svc := NewService(&fakeUserStore{
		getUserByUsername: func(_ context.Context, username string) (store.User, error) {
			if username != "alice" {
				return store.User{}, sql.ErrNoRows
			}
			return alice, nil
		},
		touchLastLogin: func(context.Context, string, time.Time) error {
			touched = true
			return nil
		},
	})

	user, err := svc.Login(context.Background(), "alice", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != "usr_1" {
		t.Errorf("user id = %q", user.ID)
	}
	if !touched {
		t.Error("last login was not recorded")
	}
	if user.LastLoginAt == nil {
		t.Error("LastLoginAt not set on returned user")
	}

	if _, err := svc.Login(context.Background(), "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(context.Background(), "nobody", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginByEmail(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	alice := store.User{ID: "usr_1", Username: "alice", Email: "alice@example.com", PasswordHash: string(hash)}

	svc := NewService(&fakeUserStore{
		getUserByEmail: func(_ context.Context, email string) (store.User, error) {
			if email != "alice@example.com" {
				return store.User{}, sql.ErrNoRows
			}
			return alice, nil
		},
	})

	user, err := svc.Login(context.Background(), "Alice@Example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != "usr_1" {
		t.Errorf("user id = %q", user.ID)
	}
}

func TestChangePassword(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("old-password"), bcrypt.MinCost)
	user := store.User{ID: "usr_1", PasswordHash: string(hash)}

	var savedHash string
	svc := NewService(&fakeUserStore{
		updateUserPassword: func(_ context.Context, userID, passwordHash string) error {
			if userID != "usr_1" {
				t.Errorf("userID = %q", userID)
			}
			savedHash = passwordHash
			return nil
		},
	})

	if err := svc.ChangePassword(context.Background(), user, "wrong", "new-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong current password: err = %v", err)
	}
	if err := svc.ChangePassword(context.Background(), user, "old-password", "new-password"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(savedHash), []byte("new-password")); err != nil {
		t.Errorf("saved hash does not match new password: %v", err)
	}
}
