package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/klinikhub/clinic-core-api/internal/models"
	appErrors "github.com/klinikhub/clinic-core-api/pkg/errors"
)

type fakeUserRepo struct {
	user             *models.User
	lastLoginStamped bool
}

func (f *fakeUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if f.user == nil || f.user.Email != email {
		return nil, sql.ErrNoRows
	}
	return f.user, nil
}

func (f *fakeUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if f.user == nil || f.user.ID != id {
		return nil, sql.ErrNoRows
	}
	return f.user, nil
}

func (f *fakeUserRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	f.lastLoginStamped = true
	return nil
}

func newAuthUser(t *testing.T) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	require.NoError(t, err)
	return &models.User{
		ID:           "u1",
		TenantID:     "clinic-1",
		Email:        "doc@example.com",
		PasswordHash: string(hash),
		FullName:     "Dr. Example",
		Role:         models.RoleProfessional,
		Active:       true,
	}
}

func TestAuthLoginIssuesTenantScopedToken(t *testing.T) {
	repo := &fakeUserRepo{user: newAuthUser(t)}
	svc := NewAuthService(repo, "secret", time.Hour, "clinic-core-api", validator.New(), zap.NewNop())

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "doc@example.com", Password: "password"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, "clinic-1", res.User.TenantID)
	assert.True(t, repo.lastLoginStamped)

	claims, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "clinic-1", claims.TenantID)
	assert.Equal(t, models.RoleProfessional, claims.Role)
}

func TestAuthLoginWrongPassword(t *testing.T) {
	svc := NewAuthService(&fakeUserRepo{user: newAuthUser(t)}, "secret", time.Hour, "clinic-core-api", validator.New(), zap.NewNop())

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "doc@example.com", Password: "wrong"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))
}

func TestAuthLoginUnknownEmail(t *testing.T) {
	svc := NewAuthService(&fakeUserRepo{}, "secret", time.Hour, "clinic-core-api", validator.New(), zap.NewNop())

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "nobody@example.com", Password: "password"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))
}

func TestAuthLoginInactiveAccount(t *testing.T) {
	user := newAuthUser(t)
	user.Active = false
	svc := NewAuthService(&fakeUserRepo{user: user}, "secret", time.Hour, "clinic-core-api", validator.New(), zap.NewNop())

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "doc@example.com", Password: "password"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInactiveAccount))
}

func TestAuthValidateTokenRejectsGarbage(t *testing.T) {
	svc := NewAuthService(&fakeUserRepo{}, "secret", time.Hour, "clinic-core-api", validator.New(), zap.NewNop())

	_, err := svc.ValidateToken("not-a-token")
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}

func TestAuthValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewAuthService(&fakeUserRepo{user: newAuthUser(t)}, "secret-a", time.Hour, "clinic-core-api", validator.New(), zap.NewNop())
	res, err := issuer.Login(context.Background(), models.LoginRequest{Email: "doc@example.com", Password: "password"})
	require.NoError(t, err)

	verifier := NewAuthService(&fakeUserRepo{}, "secret-b", time.Hour, "clinic-core-api", validator.New(), zap.NewNop())
	_, err = verifier.ValidateToken(res.AccessToken)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}
