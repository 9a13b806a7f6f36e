package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fotocall/internal/util"
	"fotocall/pkg/ai"
	"fotocall/pkg/auth"
	"fotocall/pkg/domain"
	"fotocall/pkg/store"
	"fotocall/services/leads/internal/session"
)

const (
	defaultExtractionConcurrency = 4
	defaultViewIdleTTL           = 30 * time.Minute
)

// Config holds the collaborators of the lead service.
type Config struct {
	Contacts  store.ContactStore
	Extractor ai.ContactExtractor

	// Users and Sessions are set for the remote variant only.
	Users    store.UserStore
	Sessions *session.Manager

	ExtractionConcurrency int
	// ViewIdleTTL bounds how long an unused identity's collection stays cached.
	ViewIdleTTL time.Duration
}

// App owns the visible contact collection of every identity and keeps it consistent
// with the store.
type App struct {
	contacts    store.ContactStore
	extractor   ai.ContactExtractor
	users       store.UserStore
	sessions    *session.Manager
	concurrency int
	views       *views
	now         func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Contacts == nil {
		return nil, errors.New("contact store required")
	}
	if cfg.Extractor == nil {
		return nil, errors.New("contact extractor required")
	}
	if (cfg.Users == nil) != (cfg.Sessions == nil) {
		return nil, errors.New("users and sessions must be configured together")
	}
	if cfg.ExtractionConcurrency <= 0 {
		cfg.ExtractionConcurrency = defaultExtractionConcurrency
	}
	if cfg.ViewIdleTTL <= 0 {
		cfg.ViewIdleTTL = defaultViewIdleTTL
	}
	a := &App{
		contacts:    cfg.Contacts,
		extractor:   cfg.Extractor,
		users:       cfg.Users,
		sessions:    cfg.Sessions,
		concurrency: cfg.ExtractionConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
	a.views = newViews(cfg.ViewIdleTTL, func() time.Time { return a.now() })
	return a, nil
}

// AuthEnabled reports whether callers must sign in.
func (a *App) AuthEnabled() bool {
	return a.sessions != nil
}

// SignUp registers an account and signs it in.
func (a *App) SignUp(ctx context.Context, email, password string) (domain.User, string, error) {
	if !a.AuthEnabled() {
		return domain.User{}, "", ErrAuthDisabled
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, "", ErrEmailAndPasswordRequired
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, "", fmt.Errorf("%w: %v", ErrWeakPassword, err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", err
	}
	user := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    a.now(),
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return domain.User{}, "", ErrEmailAlreadyExists
		}
		return domain.User{}, "", fmt.Errorf("create user: %w", err)
	}
	_, token, err := a.sessions.Start(ctx, user)
	if err != nil {
		return domain.User{}, "", err
	}
	return user, token, nil
}

// SignIn validates credentials and issues a session token.
func (a *App) SignIn(ctx context.Context, email, password string) (domain.User, string, error) {
	if !a.AuthEnabled() {
		return domain.User{}, "", ErrAuthDisabled
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, "", ErrEmailAndPasswordRequired
	}
	user, ok, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	_, token, err := a.sessions.Start(ctx, user)
	if err != nil {
		return domain.User{}, "", err
	}
	return user, token, nil
}

// Restore resolves a bearer token into a session.
func (a *App) Restore(ctx context.Context, token string) (*session.Session, error) {
	if !a.AuthEnabled() {
		return nil, ErrAuthDisabled
	}
	return a.sessions.Restore(ctx, token)
}

// SignOut ends the session and forgets the identity's cached collection.
func (a *App) SignOut(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return nil
	}
	user, err := sess.Identity()
	if err == nil {
		a.views.drop(user.ID)
	}
	return sess.SignOut(ctx)
}

// NamedImage is one submitted image with the name it was uploaded under.
type NamedImage struct {
	Name  string
	Image ai.Image
}

// Outcome classifies the result of one image submission.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeEmpty   Outcome = "empty"
	OutcomeFailed  Outcome = "failed"
)

// ExtractionResult reports what happened to a single submitted image.
type ExtractionResult struct {
	Index    int              `json:"index"`
	Name     string           `json:"name,omitempty"`
	Outcome  Outcome          `json:"outcome"`
	Contacts []domain.Contact `json:"contacts"`
	Message  string           `json:"message,omitempty"`
	Err      error            `json:"-"`
}

// SubmitImage extracts contacts from img and stores them as new PENDING contacts. Either
// all contacts found in the image are stored or none are.
func (a *App) SubmitImage(ctx context.Context, owner domain.User, img ai.Image) (ExtractionResult, error) {
	logger := util.LoggerFromContext(ctx)
	candidates, err := a.extractor.ExtractContacts(ctx, img)
	if err != nil {
		logger.Warn("contact extraction failed", "owner", owner.ID, "media_type", img.MediaType, "err", err)
		return ExtractionResult{Outcome: OutcomeFailed, Contacts: []domain.Contact{}, Message: ErrExtractionFailed.Error(), Err: ErrExtractionFailed}, ErrExtractionFailed
	}
	if len(candidates) == 0 {
		return ExtractionResult{Outcome: OutcomeEmpty, Contacts: []domain.Contact{}, Message: NoContactsMessage}, nil
	}

	v := a.views.acquire(owner.ID)
	defer a.views.release(owner.ID, v)
	created, err := a.contacts.BulkCreateContacts(ctx, owner.ID, candidates)
	if err != nil {
		logger.Error("store extracted contacts failed", "owner", owner.ID, "count", len(candidates), "err", err)
		a.reconcile(ctx, v, owner.ID)
		return ExtractionResult{Outcome: OutcomeFailed, Contacts: []domain.Contact{}, Message: ErrPersistenceFailed.Error(), Err: ErrPersistenceFailed}, ErrPersistenceFailed
	}
	if err := v.refresh(ctx, a.contacts, owner.ID); err != nil {
		logger.Warn("refresh contacts after import failed", "owner", owner.ID, "err", err)
	}
	logger.Info("contacts imported", "owner", owner.ID, "count", len(created))
	return ExtractionResult{Outcome: OutcomeCreated, Contacts: created}, nil
}

// SubmitImages processes images concurrently. Results are reported in submission order;
// a failure on one image does not affect the others.
func (a *App) SubmitImages(ctx context.Context, owner domain.User, images []NamedImage) ([]ExtractionResult, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	results := make([]ExtractionResult, len(images))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, img := range images {
		g.Go(func() error {
			res, _ := a.SubmitImage(ctx, owner, img.Image)
			res.Index = i
			res.Name = img.Name
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// ListContacts returns the identity's visible collection filtered and ordered by q.
func (a *App) ListContacts(ctx context.Context, owner domain.User, q Query) ([]domain.Contact, error) {
	field, order, err := ParseSort(string(q.Sort), string(q.Order))
	if err != nil {
		return nil, err
	}
	v := a.views.acquire(owner.ID)
	if q.Refresh || !v.loaded {
		if err := v.refresh(ctx, a.contacts, owner.ID); err != nil {
			a.views.release(owner.ID, v)
			return nil, fmt.Errorf("list contacts: %w", err)
		}
	}
	list := v.snapshot()
	a.views.release(owner.ID, v)

	list = filterContacts(list, q.Search)
	sortContacts(list, field, order)
	return list, nil
}

// GetContact returns one contact of the identity.
func (a *App) GetContact(ctx context.Context, owner domain.User, id string) (domain.Contact, error) {
	v := a.views.acquire(owner.ID)
	c, ok := v.find(id)
	a.views.release(owner.ID, v)
	if ok {
		return c, nil
	}
	return a.contacts.GetContact(ctx, owner.ID, id)
}

// ChangeStatus sets a contact's call status. Any status other than PENDING also stamps
// lastContacted with the current time.
func (a *App) ChangeStatus(ctx context.Context, owner domain.User, id string, status domain.CallStatus) (domain.Contact, error) {
	parsed, ok := domain.ParseCallStatus(string(status))
	if !ok {
		return domain.Contact{}, ErrInvalidStatus
	}
	v := a.views.acquire(owner.ID)
	defer a.views.release(owner.ID, v)

	current, err := a.contacts.GetContact(ctx, owner.ID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			v.remove(id)
			return domain.Contact{}, ErrContactNotFound
		}
		return domain.Contact{}, fmt.Errorf("load contact: %w", err)
	}
	next := current
	next.Status = parsed
	if parsed != domain.StatusPending {
		now := a.now()
		next.LastContacted = &now
	}
	return a.update(ctx, v, owner.ID, next, domain.FullPatch(next))
}

// SaveEdit applies user edits to name, phone, company and notes. Status and timestamps
// are untouched. A blank phone is rejected before anything changes.
func (a *App) SaveEdit(ctx context.Context, owner domain.User, id string, edit domain.ContactEdit) (domain.Contact, error) {
	patch := domain.ContactPatch{
		Name:    trimmed(edit.Name),
		Phone:   trimmed(edit.Phone),
		Company: trimmed(edit.Company),
		Notes:   edit.Notes,
	}
	if patch.Phone != nil && *patch.Phone == "" {
		return domain.Contact{}, ErrPhoneRequired
	}
	v := a.views.acquire(owner.ID)
	defer a.views.release(owner.ID, v)

	current, err := a.contacts.GetContact(ctx, owner.ID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			v.remove(id)
			return domain.Contact{}, ErrContactNotFound
		}
		return domain.Contact{}, fmt.Errorf("load contact: %w", err)
	}
	return a.update(ctx, v, owner.ID, patch.Apply(current), patch)
}

// update shows next tentatively, writes patch, then confirms or reconciles. Callers hold v.mu.
func (a *App) update(ctx context.Context, v *view, ownerID string, next domain.Contact, patch domain.ContactPatch) (domain.Contact, error) {
	v.put(next)
	saved, err := a.contacts.UpdateContact(ctx, ownerID, next.ID, patch)
	if err != nil {
		a.reconcile(ctx, v, ownerID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return domain.Contact{}, ErrContactNotFound
		case errors.Is(err, store.ErrPhoneRequired):
			return domain.Contact{}, ErrPhoneRequired
		}
		util.LoggerFromContext(ctx).Error("update contact failed", "owner", ownerID, "contact", next.ID, "err", err)
		return domain.Contact{}, ErrPersistenceFailed
	}
	v.put(saved)
	return saved, nil
}

// DeleteContact permanently removes a contact. The caller must confirm the deletion.
func (a *App) DeleteContact(ctx context.Context, owner domain.User, id string, confirmed bool) error {
	if !confirmed {
		return ErrDeleteNotConfirmed
	}
	v := a.views.acquire(owner.ID)
	defer a.views.release(owner.ID, v)

	v.remove(id)
	if err := a.contacts.DeleteContact(ctx, owner.ID, id); err != nil {
		a.reconcile(ctx, v, owner.ID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrContactNotFound
		}
		util.LoggerFromContext(ctx).Error("delete contact failed", "owner", owner.ID, "contact", id, "err", err)
		return ErrPersistenceFailed
	}
	util.LoggerFromContext(ctx).Info("contact deleted", "owner", owner.ID, "contact", id)
	return nil
}

// Stats summarizes the identity's visible collection.
func (a *App) Stats(ctx context.Context, owner domain.User) (domain.Stats, error) {
	v := a.views.acquire(owner.ID)
	defer a.views.release(owner.ID, v)
	if !v.loaded {
		if err := v.refresh(ctx, a.contacts, owner.ID); err != nil {
			return domain.Stats{}, fmt.Errorf("load contacts: %w", err)
		}
	}
	return domain.ComputeStats(v.contacts), nil
}

// reconcile discards tentative changes by re-reading the store. Callers hold v.mu.
func (a *App) reconcile(ctx context.Context, v *view, ownerID string) {
	if err := v.refresh(ctx, a.contacts, ownerID); err != nil {
		util.LoggerFromContext(ctx).Warn("reconcile contacts failed", "owner", ownerID, "err", err)
	}
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}
