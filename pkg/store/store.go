package store

import (
	"context"
	"errors"

	"fotocall/pkg/domain"
)

var (
	// ErrNotFound is returned when a record does not exist for the caller.
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken is returned when registering an email that already exists.
	ErrEmailTaken = errors.New("email already registered")
	// ErrPhoneRequired is returned when a contact would be stored without a phone.
	ErrPhoneRequired = errors.New("phone required")
)

// ContactStore persists contacts. Every operation is scoped to ownerID; single-tenant
// backings ignore it.
type ContactStore interface {
	// ListContacts returns the owner's contacts, newest import first.
	ListContacts(ctx context.Context, ownerID string) ([]domain.Contact, error)
	GetContact(ctx context.Context, ownerID, id string) (domain.Contact, error)
	// BulkCreateContacts stores all candidates as new PENDING contacts, or none of them.
	BulkCreateContacts(ctx context.Context, ownerID string, candidates []domain.Candidate) ([]domain.Contact, error)
	UpdateContact(ctx context.Context, ownerID, id string, patch domain.ContactPatch) (domain.Contact, error)
	DeleteContact(ctx context.Context, ownerID, id string) error
	Close() error
}

// UserStore persists accounts for the remote variant.
type UserStore interface {
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
}

// SessionStore issues and validates session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	ParseSession(ctx context.Context, token string) (SessionInfo, error)
	DeleteSession(ctx context.Context, token string) error
}
