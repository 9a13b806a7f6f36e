package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fotocall/pkg/domain"
	"fotocall/pkg/storage"
)

// LocalContactsKey is the fixed key the local collection is serialized under.
const LocalContactsKey = "fotocall.contacts"

// LocalStore keeps a single-tenant collection in memory and rewrites the whole
// collection to a blob on every mutation.
type LocalStore struct {
	mu       sync.Mutex
	blob     storage.Blob
	contacts []domain.Contact
	now      func() time.Time
}

// NewLocalStore reads the collection once from blob. A missing block starts empty.
func NewLocalStore(ctx context.Context, blob storage.Blob) (*LocalStore, error) {
	s := &LocalStore{
		blob: blob,
		now:  func() time.Time { return time.Now().UTC() },
	}
	data, err := blob.Get(ctx, LocalContactsKey)
	switch {
	case errors.Is(err, storage.ErrBlobNotFound):
		s.contacts = []domain.Contact{}
	case err != nil:
		return nil, fmt.Errorf("load local contacts: %w", err)
	default:
		if err := json.Unmarshal(data, &s.contacts); err != nil {
			return nil, fmt.Errorf("decode local contacts: %w", err)
		}
		if s.contacts == nil {
			s.contacts = []domain.Contact{}
		}
	}
	return s, nil
}

func (s *LocalStore) ListContacts(_ context.Context, _ string) ([]domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := cloneContacts(s.contacts)
	sortNewestFirst(out)
	return out, nil
}

func (s *LocalStore) GetContact(_ context.Context, _ string, id string) (domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.contacts[i], nil
	}
	return domain.Contact{}, ErrNotFound
}

func (s *LocalStore) BulkCreateContacts(ctx context.Context, _ string, candidates []domain.Candidate) ([]domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created, err := newContacts(candidates, s.now())
	if err != nil {
		return nil, err
	}
	next := make([]domain.Contact, 0, len(created)+len(s.contacts))
	next = append(next, created...)
	next = append(next, s.contacts...)
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	return cloneContacts(created), nil
}

func (s *LocalStore) UpdateContact(ctx context.Context, _ string, id string, patch domain.ContactPatch) (domain.Contact, error) {
	if err := validatePatch(patch); err != nil {
		return domain.Contact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return domain.Contact{}, ErrNotFound
	}
	next := cloneContacts(s.contacts)
	next[i] = patch.Apply(next[i])
	if err := s.commit(ctx, next); err != nil {
		return domain.Contact{}, err
	}
	return next[i], nil
}

func (s *LocalStore) DeleteContact(ctx context.Context, _ string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return ErrNotFound
	}
	next := make([]domain.Contact, 0, len(s.contacts)-1)
	next = append(next, s.contacts[:i]...)
	next = append(next, s.contacts[i+1:]...)
	return s.commit(ctx, next)
}

func (s *LocalStore) Close() error {
	return s.blob.Close()
}

func (s *LocalStore) indexOf(id string) int {
	for i, c := range s.contacts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// commit writes next to the blob and only then swaps it in. Callers hold s.mu.
func (s *LocalStore) commit(ctx context.Context, next []domain.Contact) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode local contacts: %w", err)
	}
	if err := s.blob.Put(ctx, LocalContactsKey, data); err != nil {
		return fmt.Errorf("save local contacts: %w", err)
	}
	s.contacts = next
	return nil
}
