package authflow

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/velmis/authflow/internal/signals"
)

// plainHasher is a transparent stand-in for Argon2, fast enough for tests.
type plainHasher struct{}

func (plainHasher) Hash(secret string) (string, error) { return "h:" + secret, nil }

func (plainHasher) Verify(secret, encodedHash string) (bool, error) {
	return encodedHash == "h:"+secret, nil
}

type memoryDirectory struct {
	mu      sync.Mutex
	byEmail map[string]*UserCredentials
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{byEmail: make(map[string]*UserCredentials)}
}

// addUser registers a user directly, bypassing the sign-up flow. The password
// hash matches plainHasher; recoveryCode may be empty.
func (d *memoryDirectory) addUser(email, password, recoveryCode string) *UserCredentials {
	d.mu.Lock()
	defer d.mu.Unlock()

	user := &UserCredentials{
		UserID:       "user-" + email,
		Email:        email,
		PasswordHash: "h:" + password,
	}
	if recoveryCode != "" {
		user.RecoveryCodeHash = "h:" + recoveryCode
	}
	d.byEmail[email] = user
	return user
}

func (d *memoryDirectory) GetUserByEmail(_ context.Context, email string) (*UserCredentials, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.byEmail[email]
	if !ok {
		return nil, nil
	}
	copied := *user
	return &copied, nil
}

func (d *memoryDirectory) CreateUser(_ context.Context, input CreateUserInput) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byEmail[input.Email]; ok {
		return ErrEmailAlreadyRegistered
	}
	d.byEmail[input.Email] = &UserCredentials{
		UserID:           input.UserID,
		Email:            input.Email,
		PasswordHash:     input.PasswordHash,
		RecoveryCodeHash: input.RecoveryCodeHash,
	}
	return nil
}

func (d *memoryDirectory) findByID(userID string) *UserCredentials {
	for _, user := range d.byEmail {
		if user.UserID == userID {
			return user
		}
	}
	return nil
}

func (d *memoryDirectory) UpdatePasswordHash(_ context.Context, userID, newHash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if user := d.findByID(userID); user != nil {
		user.PasswordHash = newHash
	}
	return nil
}

func (d *memoryDirectory) UpdateRecoveryCodeHash(_ context.Context, userID, newHash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if user := d.findByID(userID); user != nil {
		user.RecoveryCodeHash = newHash
	}
	return nil
}

func (d *memoryDirectory) UpdateEmail(_ context.Context, userID, newEmail string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if claimed, ok := d.byEmail[newEmail]; ok && claimed.UserID != userID {
		return ErrEmailAlreadyRegistered
	}
	user := d.findByID(userID)
	if user == nil {
		return nil
	}
	delete(d.byEmail, user.Email)
	user.Email = newEmail
	d.byEmail[newEmail] = user
	return nil
}

func (d *memoryDirectory) DeleteUser(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if user := d.findByID(userID); user != nil {
		delete(d.byEmail, user.Email)
	}
	return nil
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []Email
}

func (m *recordingMailer) Send(_ context.Context, email Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, email)
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *recordingMailer) last(t *testing.T) Email {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no email was sent")
	}
	return m.sent[len(m.sent)-1]
}

// lastSecret returns the secret parameter of the most recent email, which is
// how tests follow the links a user would click.
func (m *recordingMailer) lastSecret(t *testing.T) string {
	t.Helper()
	email := m.last(t)
	secret, ok := email.Params["secret"]
	if !ok || secret == "" {
		t.Fatalf("email %q carries no secret", email.Template)
	}
	return secret
}

type fakeAuthServer struct {
	mu          sync.Mutex
	skip        map[string]string
	accepted    []string
	invalidated []string
}

func newFakeAuthServer() *fakeAuthServer {
	return &fakeAuthServer{skip: make(map[string]string)}
}

func (s *fakeAuthServer) Subject(userID string) string { return "users:" + userID }

func (s *fakeAuthServer) FetchLoginSubject(_ context.Context, challengeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skip[challengeID], nil
}

func (s *fakeAuthServer) AcceptLogin(_ context.Context, challengeID, subject string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, challengeID+"|"+subject)
	return "https://auth.example.com/redirect?challenge=" + challengeID, nil
}

func (s *fakeAuthServer) InvalidateCredentials(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, userID)
	return nil
}

func (s *fakeAuthServer) invalidatedFor(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.invalidated {
		if id == userID {
			return true
		}
	}
	return false
}

type testEnv struct {
	mr     *miniredis.Miniredis
	engine *Engine
	users  *memoryDirectory
	mailer *recordingMailer
	auth   *fakeAuthServer
	sink   *signals.ChannelSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	users := newMemoryDirectory()
	mailer := &recordingMailer{}
	auth := newFakeAuthServer()
	sink := signals.NewChannelSink(16)

	cfg := DefaultConfig()
	cfg.RateLimit.CaptchaShown = false

	engine, err := New(cfg, Dependencies{
		Redis:      rdb,
		Users:      users,
		Emails:     mailer,
		AuthServer: auth,
		Hasher:     plainHasher{},
		SignalSink: sink,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{
		mr:     mr,
		engine: engine,
		users:  users,
		mailer: mailer,
		auth:   auth,
		sink:   sink,
	}
}
