package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"fotocall/pkg/domain"
)

// newContacts turns extracted candidates into fresh PENDING contacts sharing one import time.
// Field values are stored as given; only a blank name is replaced.
func newContacts(candidates []domain.Candidate, now time.Time) ([]domain.Contact, error) {
	out := make([]domain.Contact, 0, len(candidates))
	for i, c := range candidates {
		if strings.TrimSpace(c.Phone) == "" {
			return nil, fmt.Errorf("candidate %d: %w", i, ErrPhoneRequired)
		}
		name := c.Name
		if strings.TrimSpace(name) == "" {
			name = domain.UnknownName
		}
		out = append(out, domain.Contact{
			ID:         uuid.NewString(),
			Name:       name,
			Phone:      c.Phone,
			Company:    c.Company,
			Notes:      c.Notes,
			Status:     domain.StatusPending,
			ImportedAt: now,
		})
	}
	return out, nil
}

func sortNewestFirst(contacts []domain.Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		a, b := contacts[i], contacts[j]
		if !a.ImportedAt.Equal(b.ImportedAt) {
			return a.ImportedAt.After(b.ImportedAt)
		}
		return a.ID < b.ID
	})
}

func cloneContacts(in []domain.Contact) []domain.Contact {
	out := make([]domain.Contact, len(in))
	copy(out, in)
	return out
}

func validatePatch(patch domain.ContactPatch) error {
	if patch.Phone != nil && strings.TrimSpace(*patch.Phone) == "" {
		return ErrPhoneRequired
	}
	return nil
}
