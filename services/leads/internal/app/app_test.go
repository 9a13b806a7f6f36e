package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fotocall/pkg/ai"
	"fotocall/pkg/domain"
	"fotocall/pkg/storage"
	"fotocall/pkg/store"
	"fotocall/services/leads/internal/session"
)

// fakeExtractor maps image payloads to canned replies.
type fakeExtractor struct {
	mu      sync.Mutex
	replies map[string][]domain.Candidate
	fail    map[string]bool
	calls   int
}

func (f *fakeExtractor) ExtractContacts(_ context.Context, img ai.Image) ([]domain.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := string(img.Data)
	if f.fail[key] {
		return nil, errors.New("upstream unavailable")
	}
	return f.replies[key], nil
}

// failingStore fails writes on demand.
type failingStore struct {
	store.ContactStore
	failWrites atomic.Bool
	failReads  atomic.Bool
}

var errStoreDown = errors.New("store down")

func (f *failingStore) ListContacts(ctx context.Context, ownerID string) ([]domain.Contact, error) {
	if f.failReads.Load() {
		return nil, errStoreDown
	}
	return f.ContactStore.ListContacts(ctx, ownerID)
}

func (f *failingStore) BulkCreateContacts(ctx context.Context, ownerID string, c []domain.Candidate) ([]domain.Contact, error) {
	if f.failWrites.Load() {
		return nil, errStoreDown
	}
	return f.ContactStore.BulkCreateContacts(ctx, ownerID, c)
}

func (f *failingStore) UpdateContact(ctx context.Context, ownerID, id string, p domain.ContactPatch) (domain.Contact, error) {
	if f.failWrites.Load() {
		return domain.Contact{}, errStoreDown
	}
	return f.ContactStore.UpdateContact(ctx, ownerID, id, p)
}

func (f *failingStore) DeleteContact(ctx context.Context, ownerID, id string) error {
	if f.failWrites.Load() {
		return errStoreDown
	}
	return f.ContactStore.DeleteContact(ctx, ownerID, id)
}

func newTestApp(t *testing.T, ex *fakeExtractor) (*App, *failingStore) {
	t.Helper()
	local, err := store.NewLocalStore(context.Background(), storage.NewMemoryBlob())
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	fs := &failingStore{ContactStore: local}
	a, err := New(Config{Contacts: fs, Extractor: ex, ExtractionConcurrency: 2})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, fs
}

func img(key string) ai.Image {
	return ai.Image{MediaType: ai.MediaTypePNG, Data: []byte(key)}
}

func seed(t *testing.T, a *App, candidates ...domain.Candidate) []domain.Contact {
	t.Helper()
	ex := a.extractor.(*fakeExtractor)
	ex.mu.Lock()
	ex.replies["seed"] = candidates
	ex.mu.Unlock()
	res, err := a.SubmitImage(context.Background(), domain.LocalUser, img("seed"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return res.Contacts
}

func newExtractor() *fakeExtractor {
	return &fakeExtractor{replies: map[string][]domain.Candidate{}, fail: map[string]bool{}}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Extractor: newExtractor()}); err == nil {
		t.Fatalf("expected error without store")
	}
	local, _ := store.NewLocalStore(context.Background(), storage.NewMemoryBlob())
	if _, err := New(Config{Contacts: local}); err == nil {
		t.Fatalf("expected error without extractor")
	}
	if _, err := New(Config{Contacts: local, Extractor: newExtractor(), Users: store.NewMemoryUserStore()}); err == nil {
		t.Fatalf("expected error with users but no sessions")
	}
}

func TestSubmitImageCreatesPendingContacts(t *testing.T) {
	ex := newExtractor()
	ex.replies["card"] = []domain.Candidate{
		{Phone: "555-0100", Notes: "plumber"},
		{Name: "Ann", Phone: "555-0101", Company: "Acme"},
	}
	a, _ := newTestApp(t, ex)
	ctx := context.Background()

	res, err := a.SubmitImage(ctx, domain.LocalUser, img("card"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Outcome != OutcomeCreated || len(res.Contacts) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	list, err := a.ListContacts(ctx, domain.LocalUser, Query{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 contacts, got %d", len(list))
	}
	for _, c := range list {
		if c.Status != domain.StatusPending || c.LastContacted != nil {
			t.Fatalf("unexpected contact: %+v", c)
		}
		if c.Phone == "555-0100" && c.Name != domain.UnknownName {
			t.Fatalf("expected placeholder name, got %q", c.Name)
		}
	}
}

func TestSubmitImageNoContacts(t *testing.T) {
	ex := newExtractor()
	a, _ := newTestApp(t, ex)
	res, err := a.SubmitImage(context.Background(), domain.LocalUser, img("blank"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Outcome != OutcomeEmpty || res.Message != NoContactsMessage {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSubmitImageExtractionFailureStoresNothing(t *testing.T) {
	ex := newExtractor()
	ex.fail["bad"] = true
	a, _ := newTestApp(t, ex)
	ctx := context.Background()

	res, err := a.SubmitImage(ctx, domain.LocalUser, img("bad"))
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("expected extraction failure, got %v", err)
	}
	if res.Message != "Failed to process image. Please try again." {
		t.Fatalf("unexpected message %q", res.Message)
	}
	list, _ := a.ListContacts(ctx, domain.LocalUser, Query{})
	if len(list) != 0 {
		t.Fatalf("expected nothing stored, got %d", len(list))
	}
}

func TestSubmitImagePersistenceFailure(t *testing.T) {
	ex := newExtractor()
	ex.replies["card"] = []domain.Candidate{{Phone: "555-0100"}}
	a, fs := newTestApp(t, ex)
	ctx := context.Background()

	fs.failWrites.Store(true)
	if _, err := a.SubmitImage(ctx, domain.LocalUser, img("card")); !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	list, _ := a.ListContacts(ctx, domain.LocalUser, Query{})
	if len(list) != 0 {
		t.Fatalf("expected empty view, got %d", len(list))
	}
}

func TestSubmitImagesKeepsOrderAndIsolatesFailures(t *testing.T) {
	ex := newExtractor()
	ex.replies["a"] = []domain.Candidate{{Phone: "1"}}
	ex.fail["b"] = true
	ex.replies["d"] = []domain.Candidate{{Phone: "2"}, {Phone: "3"}}
	a, _ := newTestApp(t, ex)
	ctx := context.Background()

	results, err := a.SubmitImages(ctx, domain.LocalUser, []NamedImage{
		{Name: "a.png", Image: img("a")},
		{Name: "b.png", Image: img("b")},
		{Name: "c.png", Image: img("c")},
		{Name: "d.png", Image: img("d")},
	})
	if err != nil {
		t.Fatalf("submit images: %v", err)
	}
	want := []Outcome{OutcomeCreated, OutcomeFailed, OutcomeEmpty, OutcomeCreated}
	for i, res := range results {
		if res.Index != i || res.Outcome != want[i] {
			t.Fatalf("result %d: got %+v want outcome %s", i, res, want[i])
		}
	}
	if results[1].Name != "b.png" {
		t.Fatalf("expected name to be carried, got %q", results[1].Name)
	}
	list, _ := a.ListContacts(ctx, domain.LocalUser, Query{})
	if len(list) != 3 {
		t.Fatalf("expected 3 contacts, got %d", len(list))
	}
	if _, err := a.SubmitImages(ctx, domain.LocalUser, nil); !errors.Is(err, ErrNoImages) {
		t.Fatalf("expected ErrNoImages, got %v", err)
	}
}

func TestListContactsSearchAndSort(t *testing.T) {
	a, _ := newTestApp(t, newExtractor())
	ctx := context.Background()
	seed(t, a,
		domain.Candidate{Name: "bob", Phone: "555-2000", Company: "Zeta"},
		domain.Candidate{Name: "Alice", Phone: "555-1000", Company: "Acme Plumbing"},
		domain.Candidate{Name: "carol", Phone: "777-3000"},
	)

	list, err := a.ListContacts(ctx, domain.LocalUser, Query{Search: "ACME"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "Alice" {
		t.Fatalf("unexpected search result: %+v", list)
	}
	list, _ = a.ListContacts(ctx, domain.LocalUser, Query{Search: "555"})
	if len(list) != 2 {
		t.Fatalf("expected phone match on 2, got %d", len(list))
	}

	list, _ = a.ListContacts(ctx, domain.LocalUser, Query{Sort: SortName, Order: OrderAsc})
	if list[0].Name != "Alice" || list[1].Name != "bob" || list[2].Name != "carol" {
		t.Fatalf("unexpected name order: %s %s %s", list[0].Name, list[1].Name, list[2].Name)
	}
	list, _ = a.ListContacts(ctx, domain.LocalUser, Query{Sort: SortName, Order: OrderDesc})
	if list[0].Name != "carol" {
		t.Fatalf("expected carol first, got %s", list[0].Name)
	}

	if _, err := a.ListContacts(ctx, domain.LocalUser, Query{Sort: "phone"}); err == nil {
		t.Fatalf("expected error for unknown sort field")
	}
}

func TestListContactsSortByStatus(t *testing.T) {
	a, _ := newTestApp(t, newExtractor())
	ctx := context.Background()
	created := seed(t, a,
		domain.Candidate{Name: "A", Phone: "1"},
		domain.Candidate{Name: "B", Phone: "2"},
		domain.Candidate{Name: "C", Phone: "3"},
	)
	if _, err := a.ChangeStatus(ctx, domain.LocalUser, created[0].ID, domain.StatusNoAnswer); err != nil {
		t.Fatalf("change status: %v", err)
	}
	if _, err := a.ChangeStatus(ctx, domain.LocalUser, created[1].ID, domain.StatusCalled); err != nil {
		t.Fatalf("change status: %v", err)
	}
	list, _ := a.ListContacts(ctx, domain.LocalUser, Query{Sort: SortStatus, Order: OrderAsc})
	got := []domain.CallStatus{list[0].Status, list[1].Status, list[2].Status}
	want := []domain.CallStatus{domain.StatusCalled, domain.StatusNoAnswer, domain.StatusPending}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status order: got %v want %v", got, want)
		}
	}
}

func TestListContactsDefaultNewestFirst(t *testing.T) {
	a, _ := newTestApp(t, newExtractor())
	ctx := context.Background()
	first := seed(t, a, domain.Candidate{Name: "old", Phone: "1"})
	time.Sleep(2 * time.Millisecond)
	second := seed(t, a, domain.Candidate{Name: "new", Phone: "2"})

	list, _ := a.ListContacts(ctx, domain.LocalUser, Query{})
	if list[0].ID != second[0].ID || list[1].ID != first[0].ID {
		t.Fatalf("expected newest first")
	}
	list, _ = a.ListContacts(ctx, domain.LocalUser, Query{Sort: SortImportedAt, Order: OrderAsc})
	if list[0].ID != first[0].ID {
		t.Fatalf("expected oldest first for asc")
	}
}

func TestChangeStatusStampsLastContacted(t *testing.T) {
	a, _ := newTestApp(t, newExtractor())
	ctx := context.Background()
	fixed := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }
	created := seed(t, a, domain.Candidate{Name: "Ann", Phone: "555"})

	c, err := a.ChangeStatus(ctx, domain.LocalUser, created[0].ID, domain.StatusInterested)
	if err != nil {
		t.Fatalf("change status: %v", err)
	}
	if c.Status != domain.StatusInterested || c.LastContacted == nil || !c.LastContacted.Equal(fixed) {
		t.Fatalf("unexpected contact: %+v", c)
	}

	a.now = func() time.Time { return fixed.Add(time.Hour) }
	c, err = a.ChangeStatus(ctx, domain.LocalUser, created[0].ID, domain.StatusPending)
	if err != nil {
		t.Fatalf("change status: %v", err)
	}
	if c.Status != domain.StatusPending || c.LastContacted == nil || !c.LastContacted.Equal(fixed) {
		t.Fatalf("pending should keep previous lastContacted: %+v", c)
	}

	if _, err := a.ChangeStatus(ctx, domain.LocalUser, created[0].ID, "LOST"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if _, err := a.ChangeStatus(ctx, domain.LocalUser, "missing", domain.StatusCalled); !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChangeStatusPersistenceFailureReconciles(t *testing.T) {
	a, fs := newTestApp(t, newExtractor())
	ctx := context.Background()
	created := seed(t, a, domain.Candidate{Name: "Ann", Phone: "555"})

	fs.failWrites.Store(true)
	if _, err := a.ChangeStatus(ctx, domain.LocalUser, created[0].ID, domain.StatusClosed); !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	c, err := a.GetContact(ctx, domain.LocalUser, created[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != domain.StatusPending {
		t.Fatalf("expected tentative change rolled back, got %s", c.Status)
	}
}

func TestReconcileFailureMarksViewStale(t *testing.T) {
	a, fs := newTestApp(t, newExtractor())
	ctx := context.Background()
	created := seed(t, a, domain.Candidate{Name: "Ann", Phone: "555"})

	fs.failWrites.Store(true)
	fs.failReads.Store(true)
	if err := a.DeleteContact(ctx, domain.LocalUser, created[0].ID, true); !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if _, err := a.ListContacts(ctx, domain.LocalUser, Query{}); err == nil {
		t.Fatalf("expected list to hit the failing store")
	}
	fs.failWrites.Store(false)
	fs.failReads.Store(false)
	list, err := a.ListContacts(ctx, domain.LocalUser, Query{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected contact to survive failed delete, got %d", len(list))
	}
}

func TestSaveEdit(t *testing.T) {
	a, _ := newTestApp(t, newExtractor())
	ctx := context.Background()
	created := seed(t, a, domain.Candidate{Name: "Ann", Phone: "555", Notes: "old"})
	if _, err := a.ChangeStatus(ctx, domain.LocalUser, created[0].ID, domain.StatusCalled); err != nil {
		t.Fatalf("change status: %v", err)
	}

	name, company, notes := "  Ann Lee ", "Acme", "call after 5"
	c, err := a.SaveEdit(ctx, domain.LocalUser, created[0].ID, domain.ContactEdit{Name: &name, Company: &company, Notes: &notes})
	if err != nil {
		t.Fatalf("save edit: %v", err)
	}
	if c.Name != "Ann Lee" || c.Company != "Acme" || c.Notes != notes || c.Phone != "555" {
		t.Fatalf("unexpected edit result: %+v", c)
	}
	if c.Status != domain.StatusCalled || c.LastContacted == nil {
		t.Fatalf("edit must not touch status: %+v", c)
	}

	blank := "   "
	if _, err := a.SaveEdit(ctx, domain.LocalUser, created[0].ID, domain.ContactEdit{Phone: &blank}); !errors.Is(err, ErrPhoneRequired) {
		t.Fatalf("expected phone required, got %v", err)
	}
	got, _ := a.GetContact(ctx, domain.LocalUser, created[0].ID)
	if got.Phone != "555" {
		t.Fatalf("rejected edit changed phone: %q", got.Phone)
	}
}

func TestDeleteContact(t *testing.T) {
	a, _ := newTestApp(t, newExtractor())
	ctx := context.Background()
	created := seed(t, a, domain.Candidate{Name: "Ann", Phone: "555"}, domain.Candidate{Name: "Bob", Phone: "556"})

	if err := a.DeleteContact(ctx, domain.LocalUser, created[0].ID, false); !errors.Is(err, ErrDeleteNotConfirmed) {
		t.Fatalf("expected confirmation error, got %v", err)
	}
	if err := a.DeleteContact(ctx, domain.LocalUser, created[0].ID, true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := a.DeleteContact(ctx, domain.LocalUser, created[0].ID, true); !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	list, _ := a.ListContacts(ctx, domain.LocalUser, Query{})
	if len(list) != 1 || list[0].ID != created[1].ID {
		t.Fatalf("unexpected list after delete: %+v", list)
	}
}

func TestStats(t *testing.T) {
	a, _ := newTestApp(t, newExtractor())
	ctx := context.Background()
	created := seed(t, a,
		domain.Candidate{Phone: "1"}, domain.Candidate{Phone: "2"}, domain.Candidate{Phone: "3"},
	)
	if _, err := a.ChangeStatus(ctx, domain.LocalUser, created[0].ID, domain.StatusClosed); err != nil {
		t.Fatalf("change status: %v", err)
	}
	stats, err := a.Stats(ctx, domain.LocalUser)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.CompletionRate != 33 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func newRemoteApp(t *testing.T) *App {
	t.Helper()
	gs, err := store.NewGormStore(store.DriverSQLite, t.TempDir()+"/leads.db")
	if err != nil {
		t.Fatalf("gorm store: %v", err)
	}
	t.Cleanup(func() { _ = gs.Close() })
	tokens, err := store.NewJWTSessionStore("0123456789abcdef0123456789abcdef", time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	ex := newExtractor()
	ex.replies["card"] = []domain.Candidate{{Name: "Ann", Phone: "555"}}
	a, err := New(Config{
		Contacts:  gs,
		Extractor: ex,
		Users:     gs,
		Sessions:  session.NewManager(tokens, gs),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func TestRemoteSignUpSignInAndIsolation(t *testing.T) {
	a := newRemoteApp(t)
	ctx := context.Background()

	alice, token, err := a.SignUp(ctx, " Alice@Example.com ", "password123")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if alice.Email != "alice@example.com" || token == "" {
		t.Fatalf("unexpected signup result: %+v %q", alice, token)
	}
	if _, _, err := a.SignUp(ctx, "alice@example.com", "password123"); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("expected duplicate email, got %v", err)
	}
	if _, _, err := a.SignUp(ctx, "bob@example.com", "short"); err == nil {
		t.Fatalf("expected weak password rejection")
	}
	if _, _, err := a.SignIn(ctx, "alice@example.com", "wrongpass1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, _, err := a.SignIn(ctx, "nobody@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}

	sess, err := a.Restore(ctx, token)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	user, err := sess.Identity()
	if err != nil || user.ID != alice.ID {
		t.Fatalf("unexpected identity %+v err=%v", user, err)
	}

	bob, _, err := a.SignUp(ctx, "bob@example.com", "password456")
	if err != nil {
		t.Fatalf("signup bob: %v", err)
	}
	if _, err := a.SubmitImage(ctx, alice, img("card")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	aliceList, _ := a.ListContacts(ctx, alice, Query{})
	bobList, _ := a.ListContacts(ctx, bob, Query{})
	if len(aliceList) != 1 || len(bobList) != 0 {
		t.Fatalf("expected owner isolation, got alice=%d bob=%d", len(aliceList), len(bobList))
	}
	if err := a.DeleteContact(ctx, bob, aliceList[0].ID, true); !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("expected bob to be unable to delete alice's contact, got %v", err)
	}

	if err := a.SignOut(ctx, sess); err != nil {
		t.Fatalf("signout: %v", err)
	}
	again, err := a.Restore(ctx, token)
	if err != nil {
		t.Fatalf("restore after signout: %v", err)
	}
	if again.State() != session.StateUnauthenticated {
		t.Fatalf("expected revoked token to be unauthenticated, got %s", again.State())
	}
}

func TestLocalModeRejectsAuth(t *testing.T) {
	a, _ := newTestApp(t, newExtractor())
	if a.AuthEnabled() {
		t.Fatalf("local app should not require auth")
	}
	if _, _, err := a.SignIn(context.Background(), "a@b.c", "password1"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("expected auth disabled, got %v", err)
	}
}

func TestIdleViewsAreEvicted(t *testing.T) {
	a, _ := newTestApp(t, newExtractor())
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return start }
	seed(t, a, domain.Candidate{Name: "Ann", Phone: "555"})

	for _, id := range []string{"u1", "u2", "u3"} {
		if _, err := a.ListContacts(ctx, domain.User{ID: id}, Query{}); err != nil {
			t.Fatalf("list %s: %v", id, err)
		}
	}
	if got := a.views.size(); got != 4 {
		t.Fatalf("expected 4 cached views, got %d", got)
	}

	a.now = func() time.Time { return start.Add(defaultViewIdleTTL + time.Minute) }
	list, err := a.ListContacts(ctx, domain.LocalUser, Query{})
	if err != nil {
		t.Fatalf("list after idle: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 contact, got %d", len(list))
	}
	if got := a.views.size(); got != 1 {
		t.Fatalf("expected only the active view to remain, got %d", got)
	}
}

func TestDropWaitsForRelease(t *testing.T) {
	a, _ := newTestApp(t, newExtractor())
	v := a.views.acquire("u1")
	a.views.drop("u1")
	if got := a.views.size(); got != 1 {
		t.Fatalf("held view must stay cached, got %d", got)
	}
	a.views.release("u1", v)
	if got := a.views.size(); got != 0 {
		t.Fatalf("dropped view should be removed on release, got %d", got)
	}
}
