package usecase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/azizikri/coupon-redeem/internal/audit"
	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/azizikri/coupon-redeem/internal/repository"
	"github.com/azizikri/coupon-redeem/internal/security"
	"github.com/google/uuid"
)

const minAdminPasswordLen = 6

// AdminService manages the operators allowed on the admin routes.
type AdminService struct {
	store  repository.Store
	hasher *security.Hasher
	audit  audit.Sink
}

func NewAdminService(store repository.Store, hasher *security.Hasher, sink audit.Sink) *AdminService {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &AdminService{
		store:  store,
		hasher: hasher,
		audit:  sink,
	}
}

// Authenticate checks an admin's password. Unknown emails and wrong
// passwords both return domain.ErrInvalidCredentials.
func (s *AdminService) Authenticate(ctx context.Context, email, password string) (*domain.AdminUser, error) {
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", domain.ErrInvalidInput)
	}

	u, err := s.store.FindAdminByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil || u.Role != domain.RoleAdmin {
		s.audit.Record(ctx, audit.ActionAdminLoginFailed, map[string]any{"email": email})
		return nil, domain.ErrInvalidCredentials
	}
	if err := s.hasher.Compare(u.PasswordHash, password); err != nil {
		if !errors.Is(err, security.ErrMismatch) {
			log.Printf("admin: compare password for %s: %v", email, err)
		}
		s.audit.Record(ctx, audit.ActionAdminLoginFailed, map[string]any{"email": email})
		return nil, domain.ErrInvalidCredentials
	}

	s.audit.Record(ctx, audit.ActionAdminLoginSuccess, map[string]any{"email": email, "user_id": u.ID})
	return u, nil
}

// CreateAdmin stores a new admin with a bcrypt password hash.
func (s *AdminService) CreateAdmin(ctx context.Context, email, password string) (*domain.AdminUser, error) {
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if len(password) < minAdminPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", domain.ErrInvalidInput, minAdminPasswordLen)
	}

	existing, err := s.store.FindAdminByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrDuplicateAdmin
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &domain.AdminUser{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleAdmin,
	}
	err = s.store.ExecTx(ctx, func(q repository.Querier) error {
		if err := q.CreateAdminUser(ctx, u); err != nil {
			return err
		}
		return q.InsertAuditLog(ctx, audit.NewEvent(audit.ActionAdminCreateAdmin, map[string]any{
			"created_email": u.Email,
			"created_id":    u.ID,
		}))
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}
