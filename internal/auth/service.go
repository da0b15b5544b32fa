package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/lumora/backend/internal/config"
	"github.com/lumora/backend/internal/db"
	"github.com/lumora/backend/internal/models"
)

var (
	// ErrDuplicateEmail is returned when registering with an email that already exists.
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("invalid registration")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUserNotFound       = errors.New("user not found")
)

const minPasswordLen = 8

type Service interface {
	Register(ctx context.Context, email, password, displayName string) (*models.User, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (*models.TokenClaims, error)
	Me(ctx context.Context, id uuid.UUID) (*models.User, error)
	EnsureAdmin(ctx context.Context, email, password string) error
}

type Store interface {
	db.TxBeginner
	CreateTx(ctx context.Context, tx pgx.Tx, email, passwordHash, displayName, role string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	SetRole(ctx context.Context, id uuid.UUID, role string) error
}

type service struct {
	store  Store
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(store Store, cfg config.AuthConfig) *service {
	ttl := cfg.TokenTTL.Duration
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &service{store: store, secret: []byte(cfg.JWTSecret), ttl: ttl, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *service) Register(ctx context.Context, email, password, displayName string) (*models.User, error) {
	return s.create(ctx, email, password, displayName, models.RoleUser)
}

func (s *service) create(ctx context.Context, email, password, displayName, role string) (*models.User, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	var u *models.User
	err = db.RunInTx(ctx, s.store, func(tx pgx.Tx) error {
		var err error
		u, err = s.store.CreateTx(ctx, tx, email, string(hash), strings.TrimSpace(displayName), role)
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	u, err := s.store.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(u.ID, u.Role)
}

func (s *service) issueToken(userID uuid.UUID, role string) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

// ValidateToken checks the signature and expiry, then resolves the subject's current role
// so a demotion or deletion takes effect without waiting for the token to expire.
func (s *service) ValidateToken(ctx context.Context, token string) (*models.TokenClaims, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	u, err := s.store.GetByID(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("%w: unknown subject", ErrInvalidToken)
	}
	if err != nil {
		return nil, err
	}
	return &models.TokenClaims{UserID: u.ID, Role: u.Role, ExpiresAt: c.ExpiresAt.Time}, nil
}

func (s *service) Me(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.store.GetByID(ctx, id)
}

// EnsureAdmin creates the account as an admin, or promotes it if it already exists.
func (s *service) EnsureAdmin(ctx context.Context, email, password string) error {
	u, err := s.store.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return err
	}
	if u == nil {
		_, err = s.create(ctx, email, password, "admin", models.RoleAdmin)
		return err
	}
	if u.Role == models.RoleAdmin {
		return nil
	}
	return s.store.SetRole(ctx, u.ID, models.RoleAdmin)
}
