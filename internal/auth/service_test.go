package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grandir66/sanoid-manager/internal/db"
	"github.com/grandir66/sanoid-manager/internal/repositories"
)

// fakeUsers is an in-memory UserRepository slice.
type fakeUsers struct {
	repositories.UserRepository
	byName map[string]*db.User
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*db.User, error) {
	if u, ok := f.byName[username]; ok {
		user := *u
		return &user, nil
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*db.User, error) {
	for _, u := range f.byName {
		if u.ID == id {
			user := *u
			return &user, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeUsers) Create(_ context.Context, user *db.User) error {
	user.ID = uuid.New()
	f.byName[user.Username] = user
	return nil
}

func (f *fakeUsers) Update(_ context.Context, user *db.User) error {
	f.byName[user.Username] = user
	return nil
}

// fakeTokens is an in-memory RefreshTokenRepository slice.
type fakeTokens struct {
	repositories.RefreshTokenRepository
	byHash map[string]*db.RefreshToken
}

func (f *fakeTokens) Create(_ context.Context, token *db.RefreshToken) error {
	token.ID = uuid.New()
	f.byHash[token.TokenHash] = token
	return nil
}

func (f *fakeTokens) GetByHash(_ context.Context, hash string) (*db.RefreshToken, error) {
	if t, ok := f.byHash[hash]; ok {
		token := *t
		return &token, nil
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeTokens) Revoke(_ context.Context, id uuid.UUID) error {
	for _, t := range f.byHash {
		if t.ID == id {
			now := time.Now()
			t.RevokedAt = &now
			return nil
		}
	}
	return repositories.ErrNotFound
}

// fakeNodes serves one auth node.
type fakeNodes struct {
	repositories.NodeRepository
	authNode *db.Node
}

func (f *fakeNodes) GetAuthNode(context.Context) (*db.Node, error) {
	if f.authNode == nil {
		return nil, repositories.ErrNotFound
	}
	node := *f.authNode
	return &node, nil
}

// fakeSettings serves the auth method key.
type fakeSettings struct {
	repositories.SettingsRepository
	method string
}

func (f *fakeSettings) GetSystemConfig(_ context.Context, key string) (*db.SystemConfig, error) {
	if key == db.KeyAuthMethod && f.method != "" {
		return &db.SystemConfig{Key: key, Value: f.method}, nil
	}
	return nil, repositories.ErrNotFound
}

// fakeTicket accepts exactly one credential pair.
type fakeTicket struct {
	username string
	password string
}

func (f *fakeTicket) ValidateTicket(_ context.Context, _ *db.Node, username, password string) error {
	if username == f.username && password == f.password {
		return nil
	}
	return ErrInvalidCredentials
}

func newTestService(t *testing.T, users *fakeUsers, settings *fakeSettings, nodes *fakeNodes, ticket TicketValidator) (*Service, *fakeTokens) {
	t.Helper()
	jwt, err := NewJWTManagerGenerated("sanoid-manager", 15*time.Minute)
	require.NoError(t, err)

	tokens := &fakeTokens{byHash: map[string]*db.RefreshToken{}}
	if nodes == nil {
		nodes = &fakeNodes{}
	}
	if settings == nil {
		settings = &fakeSettings{}
	}
	return NewService(users, tokens, nodes, settings, jwt, ticket, zap.NewNop()), tokens
}

func localUser(t *testing.T, username, password string) *db.User {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	u := &db.User{
		Username:     username,
		PasswordHash: hash,
		Role:         "admin",
		IsActive:     true,
	}
	u.ID = uuid.New()
	return u
}

func TestLocalLoginRoundtrip(t *testing.T) {
	users := &fakeUsers{byName: map[string]*db.User{
		"admin": localUser(t, "admin", "s3cret"),
	}}
	svc, _ := newTestService(t, users, nil, nil, nil)

	pair, user, err := svc.Login(context.Background(), "admin", "s3cret", "ua", "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	claims, err := svc.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, user.ID.String(), claims.UserID)
}

func TestLocalLoginWrongPassword(t *testing.T) {
	users := &fakeUsers{byName: map[string]*db.User{
		"admin": localUser(t, "admin", "s3cret"),
	}}
	svc, _ := newTestService(t, users, nil, nil, nil)

	_, _, err := svc.Login(context.Background(), "admin", "wrong", "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(context.Background(), "ghost", "s3cret", "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "unknown user looks identical to a wrong password")
}

func TestDisabledUserRefused(t *testing.T) {
	u := localUser(t, "admin", "s3cret")
	u.IsActive = false
	users := &fakeUsers{byName: map[string]*db.User{"admin": u}}
	svc, _ := newTestService(t, users, nil, nil, nil)

	_, _, err := svc.Login(context.Background(), "admin", "s3cret", "", "")
	assert.ErrorIs(t, err, ErrUserDisabled)
}

func TestProxmoxLoginCreatesViewer(t *testing.T) {
	users := &fakeUsers{byName: map[string]*db.User{}}
	nodes := &fakeNodes{authNode: &db.Node{Name: "pve1", ProxmoxAPIURL: "https://pve1:8006/api2/json"}}
	ticket := &fakeTicket{username: "operator@pam", password: "pw"}

	svc, _ := newTestService(t, users, &fakeSettings{method: "proxmox"}, nodes, ticket)

	_, user, err := svc.Login(context.Background(), "operator", "pw", "", "")
	require.NoError(t, err)
	assert.Equal(t, "viewer", user.Role)
	assert.Equal(t, "proxmox", user.AuthMethod)
	assert.Equal(t, "operator@pam", user.ProxmoxUserID)
}

func TestProxmoxLoginWithoutAuthNode(t *testing.T) {
	users := &fakeUsers{byName: map[string]*db.User{}}
	svc, _ := newTestService(t, users, &fakeSettings{method: "proxmox"}, nil, &fakeTicket{})

	_, _, err := svc.Login(context.Background(), "operator", "pw", "", "")
	assert.ErrorIs(t, err, ErrNoAuthNode)
}

func TestRefreshRotatesToken(t *testing.T) {
	users := &fakeUsers{byName: map[string]*db.User{
		"admin": localUser(t, "admin", "s3cret"),
	}}
	svc, _ := newTestService(t, users, nil, nil, nil)

	pair, _, err := svc.Login(context.Background(), "admin", "s3cret", "", "")
	require.NoError(t, err)

	next, _, err := svc.Refresh(context.Background(), pair.RefreshToken, "", "")
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// The old token was revoked by the rotation.
	_, _, err = svc.Refresh(context.Background(), pair.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)
}

func TestLogoutRevokesAndUnknownIsNoop(t *testing.T) {
	users := &fakeUsers{byName: map[string]*db.User{
		"admin": localUser(t, "admin", "s3cret"),
	}}
	svc, _ := newTestService(t, users, nil, nil, nil)

	pair, _, err := svc.Login(context.Background(), "admin", "s3cret", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), pair.RefreshToken))
	_, _, err = svc.Refresh(context.Background(), pair.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)

	assert.NoError(t, svc.Logout(context.Background(), "never-issued"))
}

func TestExpiredAccessToken(t *testing.T) {
	jwt, err := NewJWTManagerGenerated("sanoid-manager", -time.Minute)
	require.NoError(t, err)

	token, err := jwt.GenerateAccessToken(uuid.NewString(), "admin", "admin")
	require.NoError(t, err)

	_, err = jwt.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestForeignKeyRejected(t *testing.T) {
	a, err := NewJWTManagerGenerated("sanoid-manager", time.Minute)
	require.NoError(t, err)
	b, err := NewJWTManagerGenerated("sanoid-manager", time.Minute)
	require.NoError(t, err)

	token, err := a.GenerateAccessToken(uuid.NewString(), "admin", "admin")
	require.NoError(t, err)

	_, err = b.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
