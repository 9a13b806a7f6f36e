package app

import (
	"context"
	"sync"
	"time"

	"fotocall/pkg/domain"
	"fotocall/pkg/store"
)

// view is one identity's visible collection. mu is held across every store call that
// changes the collection, so each identity has a single writer.
type view struct {
	mu       sync.Mutex
	loaded   bool
	contacts []domain.Contact

	// guarded by views.mu
	refs     int
	lastUsed time.Time
	dropped  bool
}

// views caches one view per identity. A view nobody holds is evicted once it has been
// idle for idleTTL; the next request reloads it from the store.
type views struct {
	mu        sync.Mutex
	byUser    map[string]*view
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newViews(idleTTL time.Duration, now func() time.Time) *views {
	return &views{byUser: make(map[string]*view), idleTTL: idleTTL, now: now}
}

// acquire returns ownerID's view with its mu held. Pair every acquire with release.
func (vs *views) acquire(ownerID string) *view {
	vs.mu.Lock()
	v, ok := vs.byUser[ownerID]
	if !ok {
		v = &view{}
		vs.byUser[ownerID] = v
	}
	v.refs++
	vs.mu.Unlock()
	v.mu.Lock()
	return v
}

func (vs *views) release(ownerID string, v *view) {
	v.mu.Unlock()
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v.refs--
	now := vs.now()
	v.lastUsed = now
	if v.dropped && v.refs == 0 && vs.byUser[ownerID] == v {
		delete(vs.byUser, ownerID)
	}
	if vs.idleTTL <= 0 || now.Sub(vs.lastSweep) < vs.idleTTL/2 {
		return
	}
	vs.lastSweep = now
	for id, other := range vs.byUser {
		if other.refs == 0 && now.Sub(other.lastUsed) >= vs.idleTTL {
			delete(vs.byUser, id)
		}
	}
}

// drop forgets ownerID's view. A view still held is removed on its last release.
func (vs *views) drop(ownerID string) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v, ok := vs.byUser[ownerID]
	if !ok {
		return
	}
	if v.refs == 0 {
		delete(vs.byUser, ownerID)
		return
	}
	v.dropped = true
}

func (vs *views) size() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return len(vs.byUser)
}

// refresh replaces the view with the store's list. On failure the view is marked stale
// so the next read fetches again. Callers hold v.mu.
func (v *view) refresh(ctx context.Context, contacts store.ContactStore, ownerID string) error {
	list, err := contacts.ListContacts(ctx, ownerID)
	if err != nil {
		v.loaded = false
		v.contacts = nil
		return err
	}
	v.contacts = list
	v.loaded = true
	return nil
}

// put replaces or prepends c. Callers hold v.mu.
func (v *view) put(c domain.Contact) {
	if !v.loaded {
		return
	}
	for i := range v.contacts {
		if v.contacts[i].ID == c.ID {
			v.contacts[i] = c
			return
		}
	}
	v.contacts = append([]domain.Contact{c}, v.contacts...)
}

// remove drops id from the view. Callers hold v.mu.
func (v *view) remove(id string) {
	if !v.loaded {
		return
	}
	for i := range v.contacts {
		if v.contacts[i].ID == id {
			v.contacts = append(v.contacts[:i:i], v.contacts[i+1:]...)
			return
		}
	}
}

func (v *view) find(id string) (domain.Contact, bool) {
	if !v.loaded {
		return domain.Contact{}, false
	}
	for _, c := range v.contacts {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Contact{}, false
}

func (v *view) snapshot() []domain.Contact {
	out := make([]domain.Contact, len(v.contacts))
	copy(out, v.contacts)
	return out
}
