package services

import (
	"context"
	"testing"
	"time"

	"watchsync/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUserDirectory struct {
	users map[domain.UserID]*domain.User
}

func (d *stubUserDirectory) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	user, ok := d.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return user, nil
}

func (d *stubUserDirectory) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return nil, domain.ErrUserNotFound
}

func TestAuthTokenRoundTrip(t *testing.T) {
	auth := NewAuthService("secret", time.Hour, nil)

	token, err := auth.GenerateToken("u1", "alice")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u1"), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	issuer := NewAuthService("secret-a", time.Hour, nil)
	verifier := NewAuthService("secret-b", time.Hour, nil)

	token, err := issuer.GenerateToken("u1", "alice")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	auth := NewAuthService("secret", -time.Minute, nil)

	token, err := auth.GenerateToken("u1", "alice")
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthRejectsGarbageToken(t *testing.T) {
	auth := NewAuthService("secret", time.Hour, nil)
	_, err := auth.ValidateToken("definitely.not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolveUserEmptyTokenIsAnonymous(t *testing.T) {
	auth := NewAuthService("secret", time.Hour, nil)

	user, err := auth.ResolveUser(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestResolveUserPrefersDirectoryRecord(t *testing.T) {
	dir := &stubUserDirectory{users: map[domain.UserID]*domain.User{
		"u1": {ID: "u1", Username: "alice-current"},
	}}
	auth := NewAuthService("secret", time.Hour, dir)

	token, err := auth.GenerateToken("u1", "alice-at-issue")
	require.NoError(t, err)

	user, err := auth.ResolveUser(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice-current", user.Username)
}

func TestResolveUserUnknownAccountFails(t *testing.T) {
	dir := &stubUserDirectory{users: map[domain.UserID]*domain.User{}}
	auth := NewAuthService("secret", time.Hour, dir)

	token, err := auth.GenerateToken("u-gone", "ghost")
	require.NoError(t, err)

	_, err = auth.ResolveUser(context.Background(), token)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
