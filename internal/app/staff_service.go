package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/signcap/signcap/internal/clock"
	"github.com/signcap/signcap/internal/domain"
)

type StaffRepository interface {
	Create(ctx context.Context, s domain.Staff) error
	GetByLogin(ctx context.Context, login string) (domain.Staff, error)
	Count(ctx context.Context) (int, error)
}

const tokenTTL = 12 * time.Hour

// StaffService authenticates back-office operators and issues the bearer
// tokens the staff endpoints require.
type StaffService struct {
	repo   StaffRepository
	secret []byte
	clock  clock.Clock
}

func NewStaffService(repo StaffRepository, secret []byte, clk clock.Clock) *StaffService {
	return &StaffService{repo: repo, secret: secret, clock: clk}
}

type staffClaims struct {
	jwt.RegisteredClaims
	StaffID string `json:"staff_id"`
}

// Login verifies credentials and returns a signed token.
func (s *StaffService) Login(ctx context.Context, login, password string) (string, error) {
	staff, err := s.repo.GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, domain.ErrStaffNotFound) {
			return "", domain.ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword(staff.PasswordHash, []byte(password)); err != nil {
		return "", domain.ErrInvalidCredentials
	}

	now := s.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, staffClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		StaffID: staff.ID,
	})
	return token.SignedString(s.secret)
}

// Authenticate validates a bearer token and returns the staff id it carries.
func (s *StaffService) Authenticate(tokenString string) (string, error) {
	claims := &staffClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid || claims.StaffID == "" {
		return "", domain.ErrInvalidCredentials
	}
	return claims.StaffID, nil
}

// Bootstrap creates the initial operator when the staff table is empty, so
// a fresh deployment can log in. Existing deployments are left untouched.
func (s *StaffService) Bootstrap(ctx context.Context, login, password string) error {
	if login == "" || password == "" {
		return nil
	}
	n, err := s.repo.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.repo.Create(ctx, domain.Staff{
		ID:           uuid.NewString(),
		Login:        login,
		PasswordHash: hash,
		CreatedAt:    s.clock.Now(),
	})
}
