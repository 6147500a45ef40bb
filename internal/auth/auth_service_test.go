package auth

import (
	"errors"
	"testing"

	climatebridge "climate_bridge"
)

// mockAuthRepo is a lightweight in-test mock for repository.Authorization.
type mockAuthRepo struct {
	CreateFn        func(username, hash string) (int, error)
	GetByUsernameFn func(username string) (*climatebridge.User, error)

	createCalls []struct {
		username string
		hash     string
	}
}

func (m *mockAuthRepo) Create(username, hash string) (int, error) {
	m.createCalls = append(m.createCalls, struct {
		username string
		hash     string
	}{username: username, hash: hash})
	return m.CreateFn(username, hash)
}

func (m *mockAuthRepo) GetByUsername(username string) (*climatebridge.User, error) {
	return m.GetByUsernameFn(username)
}

const testSigningKey = "test-signing-key"

func TestSignUp_HashesPasswordAndCallsRepo(t *testing.T) {
	mock := &mockAuthRepo{
		CreateFn: func(username, hash string) (int, error) {
			return 42, nil
		},
	}
	svc := NewService(mock, testSigningKey)

	id, err := svc.SignUp("alice", "s3cr3t")
	if err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}
	if id != 42 {
		t.Fatalf("expected id 42, got %d", id)
	}

	if len(mock.createCalls) != 1 {
		t.Fatalf("expected 1 Create call, got %d", len(mock.createCalls))
	}
	call := mock.createCalls[0]
	if call.hash == "s3cr3t" {
		t.Error("expected hashed password not equal to raw password")
	}
	if err := verifyPassword(call.hash, "s3cr3t"); err != nil {
		t.Errorf("stored hash does not verify with original password: %v", err)
	}
}

func TestSignUp_EmptyPassword(t *testing.T) {
	mock := &mockAuthRepo{
		CreateFn: func(username, hash string) (int, error) {
			t.Fatal("Create should not be called for empty password")
			return 0, nil
		},
	}
	svc := NewService(mock, testSigningKey)

	if _, err := svc.SignUp("alice", "   "); err == nil {
		t.Fatal("expected error for blank password")
	}
}

func TestGenerateToken_RoundTrip(t *testing.T) {
	hash, err := hashPassword("s3cr3t")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	mock := &mockAuthRepo{
		GetByUsernameFn: func(username string) (*climatebridge.User, error) {
			return &climatebridge.User{ID: 7, Username: username, PasswordHash: hash}, nil
		},
	}
	svc := NewService(mock, testSigningKey)

	token, err := svc.GenerateToken("alice", "s3cr3t")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	userID, err := svc.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if userID != 7 {
		t.Fatalf("expected user id 7, got %d", userID)
	}
}

func TestGenerateToken_WrongPassword(t *testing.T) {
	hash, _ := hashPassword("right")
	mock := &mockAuthRepo{
		GetByUsernameFn: func(username string) (*climatebridge.User, error) {
			return &climatebridge.User{ID: 7, PasswordHash: hash}, nil
		},
	}
	svc := NewService(mock, testSigningKey)

	if _, err := svc.GenerateToken("alice", "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestGenerateToken_UnknownUser(t *testing.T) {
	mock := &mockAuthRepo{
		GetByUsernameFn: func(username string) (*climatebridge.User, error) {
			return nil, nil
		},
	}
	svc := NewService(mock, testSigningKey)

	if _, err := svc.GenerateToken("ghost", "pw"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestParseToken_WrongKeyRejected(t *testing.T) {
	hash, _ := hashPassword("pw")
	mock := &mockAuthRepo{
		GetByUsernameFn: func(username string) (*climatebridge.User, error) {
			return &climatebridge.User{ID: 1, PasswordHash: hash}, nil
		},
	}
	issuer := NewService(mock, "key-a")
	verifier := NewService(mock, "key-b")

	token, err := issuer.GenerateToken("alice", "pw")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := verifier.ParseToken(token); err == nil {
		t.Fatal("expected signature verification to fail")
	}
}
