package application

import (
	"context"
	"errors"
	"fmt"

	"airquality-cloud/internal/auth"
	instruments "airquality-cloud/internal/instruments/domain"
)

// UserService provisions accounts from the command line.
type UserService struct {
	store Store
	clock Clock
}

// NewUserService constructs the service.
func NewUserService(store Store, clock Clock) (*UserService, error) {
	if store == nil {
		return nil, errors.New("user service: nil store")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &UserService{store: store, clock: clock}, nil
}

// Add creates a user with the named role and issues its API credential.
// An empty role selects the default role.
func (s *UserService) Add(ctx context.Context, email, name, roleName string) (*instruments.User, string, error) {
	role := auth.DefaultRole()
	if roleName != "" {
		var ok bool
		if role, ok = auth.LookupRole(roleName); !ok {
			return nil, "", fmt.Errorf("%w: unknown role %q", instruments.ErrValidation, roleName)
		}
	}
	user := &instruments.User{
		Email:       email,
		Name:        name,
		Role:        role.Name,
		Permissions: uint8(auth.Normalize(role.Permissions)),
		CreatedAt:   s.clock.Now(),
	}
	if err := user.Validate(); err != nil {
		return nil, "", err
	}
	key, err := instruments.NewCredentialKey()
	if err != nil {
		return nil, "", err
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Repositories) error {
		if err := tx.Users().CreateUser(ctx, user); err != nil {
			return err
		}
		id := user.ID
		return tx.Credentials().Create(ctx, &instruments.Credential{Key: key, UserID: &id, CreatedAt: user.CreatedAt})
	})
	if err != nil {
		return nil, "", err
	}
	return user, key, nil
}
