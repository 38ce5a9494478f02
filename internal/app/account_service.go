package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/signcap/signcap/internal/clock"
	"github.com/signcap/signcap/internal/domain"
)

type AdminRepository interface {
	CreateAccounts(ctx context.Context, accounts []domain.Account) error
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	SetAccountEnabled(ctx context.Context, id string, enabled bool) error
	SetAccountPriority(ctx context.Context, id string, priority int) error
	SetQuotaOverride(ctx context.Context, accountID, categoryID string, quota *int) error
	ResetAvailability(ctx context.Context, accountID string) error
	CreateCategory(ctx context.Context, c domain.Category) error
	GetCategory(ctx context.Context, id string) (domain.Category, error)
	ListCategories(ctx context.Context, activeOnly bool) ([]domain.Category, error)
	SetCategoryActive(ctx context.Context, id string, active bool) error
}

// AccountService is the staff-side inventory surface: bulk account import
// and the category catalogue.
type AccountService struct {
	repo  AdminRepository
	clock clock.Clock
}

func NewAccountService(repo AdminRepository, clk clock.Clock) *AccountService {
	return &AccountService{repo: repo, clock: clk}
}

// ImportAccounts parses one credential bundle per line in the form
// "phone password otp_secret" and inserts them disabled, each seeded with
// a capacity record for every category. Blank lines are skipped; a
// malformed line fails the whole import before anything is written.
func (s *AccountService) ImportAccounts(ctx context.Context, raw string, operatorID *string) (int, error) {
	var accounts []domain.Account
	now := s.clock.Now()

	for i, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return 0, fmt.Errorf("line %d: want 3 fields, got %d: %w", i+1, len(fields), domain.ErrInvalidID)
		}
		accounts = append(accounts, domain.Account{
			ID:         uuid.NewString(),
			Phone:      fields[0],
			Password:   fields[1],
			OTPSecret:  fields[2],
			OperatorID: operatorID,
			CreatedAt:  now,
		})
	}
	if len(accounts) == 0 {
		return 0, nil
	}
	if err := s.repo.CreateAccounts(ctx, accounts); err != nil {
		return 0, err
	}
	return len(accounts), nil
}

func (s *AccountService) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return s.repo.GetAccount(ctx, id)
}

func (s *AccountService) SetAccountEnabled(ctx context.Context, id string, enabled bool) error {
	return s.repo.SetAccountEnabled(ctx, id, enabled)
}

func (s *AccountService) SetAccountPriority(ctx context.Context, id string, priority int) error {
	return s.repo.SetAccountPriority(ctx, id, priority)
}

func (s *AccountService) SetQuotaOverride(ctx context.Context, accountID, categoryID string, quota *int) error {
	if quota != nil && *quota < 0 {
		return domain.ErrInvalidQuantity
	}
	return s.repo.SetQuotaOverride(ctx, accountID, categoryID, quota)
}

func (s *AccountService) ResetAvailability(ctx context.Context, accountID string) error {
	return s.repo.ResetAvailability(ctx, accountID)
}

type CreateCategoryInput struct {
	Name           string
	Price          float64
	DefaultQuota   int
	MinQuantum     int
	ExclusivePrice *float64
}

func (s *AccountService) CreateCategory(ctx context.Context, in CreateCategoryInput) (domain.Category, error) {
	if in.Name == "" || in.Price < 0 || in.DefaultQuota <= 0 {
		return domain.Category{}, domain.ErrInvalidQuantity
	}
	if in.MinQuantum <= 0 {
		in.MinQuantum = 1
	}
	category := domain.Category{
		ID:             uuid.NewString(),
		Name:           in.Name,
		Price:          in.Price,
		DefaultQuota:   in.DefaultQuota,
		MinQuantum:     in.MinQuantum,
		Active:         true,
		ExclusivePrice: in.ExclusivePrice,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.repo.CreateCategory(ctx, category); err != nil {
		return domain.Category{}, err
	}
	return category, nil
}

func (s *AccountService) GetCategory(ctx context.Context, id string) (domain.Category, error) {
	return s.repo.GetCategory(ctx, id)
}

func (s *AccountService) ListCategories(ctx context.Context, activeOnly bool) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx, activeOnly)
}

func (s *AccountService) SetCategoryActive(ctx context.Context, id string, active bool) error {
	return s.repo.SetCategoryActive(ctx, id, active)
}
