package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"shakerin/backend/internal/domain"
	"shakerin/backend/internal/store"
)

const defaultSeedAdminPassword = "admin123"

// EnsureSeedAdmin creates the protected admin account when it is missing.
func (s *Service) EnsureSeedAdmin(ctx context.Context, password string) error {
	_, err := s.repo.GetUser(ctx, domain.ProtectedAdminID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if password == "" {
		password = defaultSeedAdminPassword
		logger(ctx).Warn().Msg("seeding admin with the default password, set SEED_ADMIN_PASSWORD to override")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}

	_, err = s.repo.CreateUser(ctx, domain.User{
		ID:           domain.ProtectedAdminID,
		Username:     domain.ProtectedAdminLogin,
		PasswordHash: hash,
		Role:         domain.RoleAdmin,
		CreatedAt:    s.now().UTC(),
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

// Authenticate checks a username and password. Accounts carried over with
// a plain-text password are upgraded to a bcrypt hash on first login.
func (s *Service) Authenticate(ctx context.Context, username string, password string) (domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return domain.User{}, ErrInvalidCredentials
	}

	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}

	if isPasswordHash(user.PasswordHash) {
		if !verifyPassword(user.PasswordHash, password) {
			return domain.User{}, ErrInvalidCredentials
		}
		return *user, nil
	}

	if subtle.ConstantTimeCompare([]byte(user.PasswordHash), []byte(password)) != 1 {
		return domain.User{}, ErrInvalidCredentials
	}
	if hash, err := hashPassword(password); err == nil {
		user.PasswordHash = hash
		if _, err := s.repo.UpdateUser(ctx, *user); err != nil {
			logger(ctx).Warn().Err(err).Str("user_id", user.ID).Msg("legacy password upgrade failed")
		}
	}
	return *user, nil
}

func (s *Service) CurrentUser(ctx context.Context) (domain.UserView, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.UserView{}, err
	}
	user, err := s.repo.GetUser(ctx, actor.UserID)
	if err != nil {
		return domain.UserView{}, mapNotFound(err, ErrUserNotFound)
	}
	return user.View(), nil
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.UserView, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.UserView, 0, len(users))
	for _, u := range users {
		out = append(out, u.View())
	}
	return out, nil
}

// CreateUser adds an employee account. Admins are only ever seeded.
func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.UserView, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.UserView{}, err
	}

	username := strings.TrimSpace(req.Username)
	if err := validateUsername(username); err != nil {
		return domain.UserView{}, err
	}
	if len(req.Password) < 6 {
		return domain.UserView{}, fmt.Errorf("%w: password must be at least 6 characters", store.ErrInvalidInput)
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.UserView{}, err
	}
	created, err := s.repo.CreateUser(ctx, domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         domain.RoleEmployee,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.UserView{}, fmt.Errorf("username %q %w", username, store.ErrConflict)
		}
		return domain.UserView{}, err
	}
	return created.View(), nil
}

func (s *Service) UpdateUser(ctx context.Context, id string, req domain.UserUpdateRequest) (domain.UserView, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.UserView{}, err
	}

	user, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return domain.UserView{}, mapNotFound(err, ErrUserNotFound)
	}
	if req.Username != nil {
		username := strings.TrimSpace(*req.Username)
		if err := validateUsername(username); err != nil {
			return domain.UserView{}, err
		}
		user.Username = username
	}
	if req.Password != nil {
		if len(*req.Password) < 6 {
			return domain.UserView{}, fmt.Errorf("%w: password must be at least 6 characters", store.ErrInvalidInput)
		}
		hash, err := hashPassword(*req.Password)
		if err != nil {
			return domain.UserView{}, err
		}
		user.PasswordHash = hash
	}

	updated, err := s.repo.UpdateUser(ctx, *user)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.UserView{}, fmt.Errorf("username %q %w", user.Username, store.ErrConflict)
		}
		return domain.UserView{}, mapNotFound(err, ErrUserNotFound)
	}
	return updated.View(), nil
}

func (s *Service) DeleteUser(ctx context.Context, id string) error {
	if _, err := requireAdmin(ctx); err != nil {
		return err
	}
	if id == domain.ProtectedAdminID {
		return store.ErrProtectedAccount
	}
	if err := s.repo.DeleteUser(ctx, id); err != nil {
		return mapNotFound(err, ErrUserNotFound)
	}
	return nil
}

func validateUsername(username string) error {
	if len(username) < 3 {
		return fmt.Errorf("%w: username must be at least 3 characters", store.ErrInvalidInput)
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return fmt.Errorf("%w: username must not contain spaces", store.ErrInvalidInput)
	}
	return nil
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
