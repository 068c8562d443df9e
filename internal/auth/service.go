package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/inaiurai/tutoring/internal/models"
)

var (
	// ErrDuplicateEmail is returned when registering with an email that already exists.
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSuspended          = errors.New("account suspended")
	ErrInvalidToken       = errors.New("invalid token")
)

// TokenTTL is how long an issued token stays valid.
const TokenTTL = 24 * time.Hour

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type UserRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, u *models.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error
}

// WalletOpener opens the user's wallet inside the registration transaction.
type WalletOpener interface {
	OpenWallet(ctx context.Context, tx pgx.Tx, ownerID uuid.UUID) (*models.Wallet, error)
}

type Service struct {
	db      TxBeginner
	users   UserRepo
	wallets WalletOpener
	secret  []byte
	logger  *slog.Logger
	// Now is overridable in tests.
	Now func() time.Time
}

func NewService(db TxBeginner, users UserRepo, wallets WalletOpener, secret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, users: users, wallets: wallets, secret: []byte(secret), logger: logger, Now: time.Now}
}

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Register creates a student or teacher together with an empty wallet.
func (s *Service) Register(ctx context.Context, email, password, displayName, role string) (*models.User, error) {
	if !models.ValidRole(role) {
		return nil, ErrInvalidRole
	}
	return s.create(ctx, uuid.New(), email, password, displayName, role)
}

// EnsureAdmin seeds the platform administrator under models.SystemAdminID.
// It is a no-op when the account already exists.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (*models.User, error) {
	if u, err := s.users.GetByID(ctx, models.SystemAdminID); err == nil {
		return u, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	u, err := s.create(ctx, models.SystemAdminID, email, password, "Platform admin", models.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	s.logger.Info("admin account seeded", "user_id", u.ID, "email", u.Email)
	return u, nil
}

func (s *Service) create(ctx context.Context, id uuid.UUID, email, password, displayName, role string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		ID:           id,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		DisplayName:  displayName,
		Role:         role,
		PasswordHash: string(hash),
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.users.CreateTx(ctx, tx, u); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	if _, err := s.wallets.OpenWallet(ctx, tx, u.ID); err != nil {
		return nil, fmt.Errorf("open wallet: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, models.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	if u.Suspended {
		return "", ErrSuspended
	}
	return s.issueToken(u.ID, u.Role)
}

func (s *Service) issueToken(userID uuid.UUID, role string) (string, error) {
	now := s.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

// ValidateToken returns the subject and role of a token. Tokens of accounts
// suspended after issue are rejected.
func (s *Service) ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.Now))
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if u.Suspended {
		return uuid.Nil, "", ErrSuspended
	}
	return id, u.Role, nil
}

func (s *Service) User(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.users.GetByID(ctx, id)
}

// Suspend blocks the account from logging in and invalidates its tokens.
func (s *Service) Suspend(ctx context.Context, userID uuid.UUID, reason string) error {
	if err := s.users.SetSuspended(ctx, userID, true); err != nil {
		return fmt.Errorf("suspend %s: %w", userID, err)
	}
	s.logger.Warn("account suspended", "user_id", userID, "reason", reason)
	return nil
}
