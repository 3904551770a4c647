// Package directory holds the recipients a campaign can target.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Recipient struct {
	ID                int64     `json:"id"`
	ChatID            int64     `json:"chat_id"`
	Username          string    `json:"username,omitempty"`
	FirstName         string    `json:"first_name,omitempty"`
	LastName          string    `json:"last_name,omitempty"`
	Active            bool      `json:"active"`
	LastInteractionAt time.Time `json:"last_interaction_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DisplayName is how the bot addresses the recipient in greetings.
func (r Recipient) DisplayName() string {
	if n := strings.TrimSpace(r.FirstName); n != "" {
		return n
	}
	if r.Username != "" {
		return "@" + r.Username
	}
	return fmt.Sprintf("user %d", r.ChatID)
}

var ErrNotFound = errors.New("directory: recipient not found")

// UnavailableError means the directory backend could not answer.
// Callers should pause and retry rather than treat recipients as missing.
type UnavailableError struct{ Err error }

func (e *UnavailableError) Error() string { return "directory unavailable: " + e.Err.Error() }
func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// Directory is the read side the dispatcher depends on.
type Directory interface {
	ListActive(ctx context.Context) ([]Recipient, error)
	GetByID(ctx context.Context, id int64) (Recipient, error)
}

// Store persists recipients. Implemented by internal/storage.
type Store interface {
	UpsertRecipient(ctx context.Context, r Recipient) (Recipient, bool, error)
	GetRecipient(ctx context.Context, id int64) (Recipient, error)
	ListRecipients(ctx context.Context, activeOnly bool, offset, limit int) ([]Recipient, error)
	SetRecipientActive(ctx context.Context, id int64, active bool, at time.Time) (Recipient, error)
	CountRecipients(ctx context.Context) (total, active int, err error)
}
