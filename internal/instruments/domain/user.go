package instruments

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// User is an account that owns credentials and, optionally, instruments.
type User struct {
	ID          int64
	Email       string
	Name        string
	Role        string
	Permissions uint8
	GroupIDs    []int64
	CreatedAt   time.Time
}

// Validate checks the user invariants.
func (u User) Validate() error {
	if _, err := mail.ParseAddress(strings.TrimSpace(u.Email)); err != nil {
		return fmt.Errorf("%w: invalid email %q", ErrValidation, u.Email)
	}
	if strings.TrimSpace(u.Role) == "" {
		return fmt.Errorf("%w: role is required", ErrValidation)
	}
	return nil
}
