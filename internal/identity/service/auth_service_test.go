package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-machine/backend/internal/platform/apperr"
	"trade-machine/backend/internal/platform/rbac"
	"trade-machine/backend/internal/security"
	sessiondomain "trade-machine/backend/internal/session/domain"
	userdomain "trade-machine/backend/internal/user/domain"
	userrepo "trade-machine/backend/internal/user/repository"
)

type memUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*userdomain.User
	byEmail map[string]*userdomain.User
	err     error
	// missEmail makes GetByEmail miss, as when a concurrent insert lands after the lookup.
	missEmail bool
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byID: map[string]*userdomain.User{}, byEmail: map[string]*userdomain.User{}}
}

func clone(u *userdomain.User) *userdomain.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func (r *memUserRepo) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clone(r.byID[id]), r.err
}

func (r *memUserRepo) GetByEmail(ctx context.Context, email string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missEmail {
		return nil, r.err
	}
	return clone(r.byEmail[userdomain.NormalizeEmail(email)]), r.err
}

func (r *memUserRepo) GetByResetToken(ctx context.Context, token string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.PasswordResetToken != nil && *u.PasswordResetToken == token {
			return clone(u), nil
		}
	}
	return nil, r.err
}

func (r *memUserRepo) Create(ctx context.Context, u *userdomain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if held, ok := r.byEmail[userdomain.NormalizeEmail(u.Email)]; ok && held.ID != u.ID {
		return userrepo.ErrEmailTaken
	}
	c := clone(u)
	r.byID[u.ID] = c
	r.byEmail[userdomain.NormalizeEmail(u.Email)] = c
	return nil
}

func (r *memUserRepo) Update(ctx context.Context, u *userdomain.User) error {
	return r.Create(ctx, u)
}

func (r *memUserRepo) ClearResetToken(ctx context.Context, token, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.PasswordResetToken != nil && *u.PasswordResetToken == token {
			u.PasswordHash = &passwordHash
			u.PasswordResetToken = nil
			u.PasswordResetExpiresOn = nil
			return nil
		}
	}
	return userrepo.ErrTokenNotFound
}

type memSessionRepo struct {
	mu   sync.Mutex
	m    map[string]sessiondomain.Data
	next int
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{m: map[string]sessiondomain.Data{}}
}

func (r *memSessionRepo) GetByID(ctx context.Context, id string) (*sessiondomain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.m[id]
	if !ok {
		return nil, nil
	}
	return &sessiondomain.Session{ID: id, Data: d}, nil
}

func (r *memSessionRepo) Create(ctx context.Context, userID string) (*sessiondomain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := "sess-" + string(rune('0'+r.next))
	r.m[id] = sessiondomain.Data{User: userID}
	return &sessiondomain.Session{ID: id, Data: r.m[id]}, nil
}

func (r *memSessionRepo) Save(ctx context.Context, s *sessiondomain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[s.ID] = s.Data
	return nil
}

func (r *memSessionRepo) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
	return nil
}

func (r *memSessionRepo) RevokeAllSessionsByUser(ctx context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, d := range r.m {
		if d.User == userID {
			delete(r.m, id)
			n++
		}
	}
	return n, nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAuthService(t *testing.T) (*AuthService, *memUserRepo, *memSessionRepo, *fixedClock) {
	t.Helper()
	authz, err := rbac.NewAuthorizer(context.Background())
	require.NoError(t, err)
	users := newMemUserRepo()
	sessions := newMemSessionRepo()
	svc := NewAuthService(users, sessions, security.NewHasher(4), authz, time.Hour)
	clock := &fixedClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	svc.nowF = clock.Now
	return svc, users, sessions, clock
}

func TestSignUp_NewUser(t *testing.T) {
	svc, users, _, clock := newTestAuthService(t)
	ctx := context.Background()

	u, err := svc.SignUp(ctx, "a@x.com", "pw1")
	require.NoError(t, err)
	require.NotNil(t, u.LastLoggedIn)
	assert.True(t, u.LastLoggedIn.Equal(clock.Now()))
	require.NotNil(t, u.PasswordHash)
	assert.NotEqual(t, "pw1", *u.PasswordHash)
	assertPassword(t, *u.PasswordHash, "pw1")
	assert.Equal(t, userdomain.RoleOwner, u.Role)

	stored, _ := users.GetByEmail(ctx, "a@x.com")
	require.NotNil(t, stored)
	assert.Equal(t, u.ID, stored.ID)
}

func TestSignUp_DuplicateConflict(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.SignUp(ctx, "a@x.com", "pw1")
	require.NoError(t, err)

	_, err = svc.SignUp(ctx, "a@x.com", "pw2")
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, "email already in use", apperr.PublicMessage(err))

	_, err = svc.SignUp(ctx, "A@X.COM", "pw3")
	require.ErrorIs(t, err, apperr.ErrConflict)
}

func TestSignUp_RacingInsertIsConflict(t *testing.T) {
	svc, users, _, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.SignUp(ctx, "a@x.com", "pw1")
	require.NoError(t, err)

	users.missEmail = true
	_, err = svc.SignUp(ctx, "a@x.com", "pw2")
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, 409, apperr.HTTPStatus(err))
	assert.Equal(t, "email already in use", apperr.PublicMessage(err))
}

func TestSignUp_ClaimsPasswordlessUser(t *testing.T) {
	svc, users, _, _ := newTestAuthService(t)
	ctx := context.Background()
	require.NoError(t, users.Create(ctx, &userdomain.User{ID: "pre-1", Email: "owner@league.com", Role: userdomain.RoleCommissioner}))

	u, err := svc.SignUp(ctx, "Owner@League.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "pre-1", u.ID)
	assert.Equal(t, userdomain.RoleCommissioner, u.Role)
	assert.NotNil(t, u.LastLoggedIn)

	signedIn, err := svc.SignIn(ctx, "owner@league.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "pre-1", signedIn.ID)
}

func TestSignUp_Validation(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)
	ctx := context.Background()

	_, err := svc.SignUp(ctx, "", "pw")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.SignUp(ctx, "not-an-email", "pw")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.SignUp(ctx, "a@x.com", "  ")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSignUp_StoreFailureIsInternal(t *testing.T) {
	svc, users, _, _ := newTestAuthService(t)
	users.err = errors.New("connection reset")

	_, err := svc.SignUp(context.Background(), "a@x.com", "pw1")
	require.ErrorIs(t, err, apperr.ErrInternal)
	assert.Equal(t, 500, apperr.HTTPStatus(err))
}

func TestSignIn(t *testing.T) {
	svc, _, _, clock := newTestAuthService(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, "test@example.com", "hunter2")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	for _, email := range []string{"test@example.com", "Test@Example.com", "TEST@EXAMPLE.COM"} {
		u, err := svc.SignIn(ctx, email, "hunter2")
		require.NoError(t, err, email)
		assert.True(t, u.LastLoggedIn.Equal(clock.Now()))
	}

	_, err = svc.SignIn(ctx, "test@example.com", "wrong")
	require.ErrorIs(t, err, apperr.ErrBadRequest)
	assert.Equal(t, "incorrect password", apperr.PublicMessage(err))

	_, err = svc.SignIn(ctx, "nobody@example.com", "hunter2")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSignIn_UpgradesHashCost(t *testing.T) {
	svc, users, _, _ := newTestAuthService(t)
	ctx := context.Background()
	old, err := security.NewHasher(5).Hash("hunter2")
	require.NoError(t, err)
	require.NoError(t, users.Create(ctx, &userdomain.User{ID: "u5", Email: "c@x.com", PasswordHash: &old}))

	_, err = svc.SignIn(ctx, "c@x.com", "hunter2")
	require.NoError(t, err)

	stored, _ := users.GetByID(ctx, "u5")
	assert.False(t, security.NewHasher(4).NeedsRehash(*stored.PasswordHash))
	assertPassword(t, *stored.PasswordHash, "hunter2")
}

func TestSignIn_CorruptHashIsInternal(t *testing.T) {
	svc, users, _, _ := newTestAuthService(t)
	ctx := context.Background()
	bad := "plaintext"
	require.NoError(t, users.Create(ctx, &userdomain.User{ID: "u6", Email: "d@x.com", PasswordHash: &bad}))

	_, err := svc.SignIn(ctx, "d@x.com", "plaintext")
	require.ErrorIs(t, err, apperr.ErrInternal)
}

func TestSignIn_PasswordlessUser(t *testing.T) {
	svc, users, _, _ := newTestAuthService(t)
	ctx := context.Background()
	require.NoError(t, users.Create(ctx, &userdomain.User{ID: "pre", Email: "p@x.com"}))

	_, err := svc.SignIn(ctx, "p@x.com", "anything")
	require.ErrorIs(t, err, apperr.ErrBadRequest)
}

func TestPasswordReset_Flow(t *testing.T) {
	svc, _, _, clock := newTestAuthService(t)
	ctx := context.Background()
	u, err := svc.SignUp(ctx, "a@x.com", "old")
	require.NoError(t, err)

	withToken, err := svc.RequestPasswordReset(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, withToken.PasswordResetToken)
	require.NotNil(t, withToken.PasswordResetExpiresOn)
	assert.True(t, withToken.PasswordResetExpiresOn.Equal(clock.Now().Add(time.Hour)))

	_, err = svc.SignIn(ctx, "a@x.com", "old")
	require.NoError(t, err, "requesting a reset keeps the current password")

	clock.Advance(59 * time.Minute)
	require.NoError(t, svc.ApplyPasswordReset(ctx, *withToken.PasswordResetToken, "new"))

	_, err = svc.SignIn(ctx, "a@x.com", "new")
	require.NoError(t, err)
	_, err = svc.SignIn(ctx, "a@x.com", "old")
	require.ErrorIs(t, err, apperr.ErrBadRequest)

	err = svc.ApplyPasswordReset(ctx, *withToken.PasswordResetToken, "again")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPasswordReset_Expired(t *testing.T) {
	testCases := []struct {
		name    string
		advance time.Duration
	}{
		{"past window", time.Hour + time.Second},
		{"exactly at expiry", time.Hour},
		{"long after", 48 * time.Hour},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc, users, _, clock := newTestAuthService(t)
			ctx := context.Background()
			u, err := svc.SignUp(ctx, "a@x.com", "old")
			require.NoError(t, err)
			withToken, err := svc.RequestPasswordReset(ctx, u.ID)
			require.NoError(t, err)

			clock.Advance(tc.advance)
			err = svc.ApplyPasswordReset(ctx, *withToken.PasswordResetToken, "new")
			require.ErrorIs(t, err, apperr.ErrForbidden)

			stored, _ := users.GetByID(ctx, u.ID)
			assertPassword(t, *stored.PasswordHash, "old")
		})
	}
}

func TestPasswordReset_UnknownToken(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)
	err := svc.ApplyPasswordReset(context.Background(), "nope", "new")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.RequestPasswordReset(context.Background(), "missing-user")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPasswordReset_ConcurrentApplyOnlyOneWins(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)
	ctx := context.Background()
	u, err := svc.SignUp(ctx, "a@x.com", "old")
	require.NoError(t, err)
	withToken, err := svc.RequestPasswordResetByEmail(ctx, "A@x.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, withToken.ID)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		notFound int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.ApplyPasswordReset(ctx, *withToken.PasswordResetToken, "new")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrNotFound):
				notFound++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, notFound)
}

func TestAuthorize(t *testing.T) {
	svc, users, _, _ := newTestAuthService(t)
	ctx := context.Background()
	require.NoError(t, users.Create(ctx, &userdomain.User{ID: "admin", Email: "admin@x.com", Role: userdomain.RoleAdmin}))
	require.NoError(t, users.Create(ctx, &userdomain.User{ID: "owner", Email: "owner@x.com", Role: userdomain.RoleOwner}))
	require.NoError(t, users.Create(ctx, &userdomain.User{ID: "comm", Email: "comm@x.com", Role: userdomain.RoleCommissioner}))

	testCases := []struct {
		name   string
		userID string
		roles  []string
		want   bool
	}{
		{"no session", "", nil, false},
		{"unknown user", "ghost", nil, false},
		{"no roles required", "owner", nil, true},
		{"role matches", "comm", []string{"commissioner"}, true},
		{"role missing", "owner", []string{"commissioner"}, false},
		{"admin bypass", "admin", []string{"commissioner"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.Authorize(ctx, tc.userID, tc.roles)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEstablishSession_MostRecentLoginWins(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)
	ctx := context.Background()

	first, err := svc.EstablishSession(ctx, "", "user-a")
	require.NoError(t, err)
	assert.Equal(t, "user-a", first.Data.User)

	second, err := svc.EstablishSession(ctx, first.ID, "user-b")
	require.NoError(t, err)
	assert.Equal(t, "user-b", second.Data.User)

	me, err := svc.sessionRepo.GetByID(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, me)
	assert.Equal(t, "user-b", me.Data.User)
}

func TestEstablishSession_RegeneratesPresentedID(t *testing.T) {
	svc, _, sessions, _ := newTestAuthService(t)
	ctx := context.Background()

	planted, err := sessions.Create(ctx, "")
	require.NoError(t, err)

	sess, err := svc.EstablishSession(ctx, planted.ID, "victim")
	require.NoError(t, err)
	assert.NotEqual(t, planted.ID, sess.ID)
	assert.Equal(t, "victim", sess.Data.User)

	old, err := sessions.GetByID(ctx, planted.ID)
	require.NoError(t, err)
	assert.Nil(t, old, "presented session must not survive login")

	_, err = svc.CurrentUser(ctx, planted.ID)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestCurrentUserAndLogout(t *testing.T) {
	svc, _, _, _ := newTestAuthService(t)
	ctx := context.Background()
	u, err := svc.SignUp(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	s1, _ := svc.EstablishSession(ctx, "", u.ID)
	s2, _ := svc.EstablishSession(ctx, "", u.ID)

	me, err := svc.CurrentUser(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, me.ID)

	require.NoError(t, svc.Logout(ctx, s1.ID))
	_, err = svc.CurrentUser(ctx, s1.ID)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	n, err := svc.LogoutAll(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = svc.CurrentUser(ctx, s2.ID)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = svc.LogoutAll(ctx, "")
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func assertPassword(t *testing.T, hash, password string) {
	t.Helper()
	ok, err := security.NewHasher(4).Verify(hash, password)
	require.NoError(t, err)
	assert.True(t, ok, "stored hash should match %q", password)
}
