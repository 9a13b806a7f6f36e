package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"fotocall/pkg/domain"
)

const migrateLockID int64 = 73217321

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// GormStore implements ContactStore and UserStore on a relational database.
// Postgres is the production driver; SQLite serves development and tests.
type GormStore struct {
	db     *gorm.DB
	driver string
	now    func() time.Time
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres, "":
		driver = DriverPostgres
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &GormStore{
		db:     db,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GormStore) migrate() error {
	run := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ContactModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if s.driver != DriverPostgres {
		return run(s.db)
	}
	return withMigrationLock(s.db, run)
}

// withMigrationLock serializes migrations across replicas with a Postgres advisory lock.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ListContacts returns the owner's rows ordered by imported_at descending.
func (s *GormStore) ListContacts(ctx context.Context, ownerID string) ([]domain.Contact, error) {
	var models []ContactModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("imported_at DESC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	res := make([]domain.Contact, 0, len(models))
	for _, m := range models {
		res = append(res, contactFromModel(m))
	}
	return res, nil
}

// GetContact returns one of the owner's contacts.
func (s *GormStore) GetContact(ctx context.Context, ownerID, id string) (domain.Contact, error) {
	model, err := findContact(s.db.WithContext(ctx), ownerID, id)
	if err != nil {
		return domain.Contact{}, err
	}
	return contactFromModel(model), nil
}

// BulkCreateContacts inserts every candidate in one transaction.
func (s *GormStore) BulkCreateContacts(ctx context.Context, ownerID string, candidates []domain.Candidate) ([]domain.Contact, error) {
	created, err := newContacts(candidates, s.now())
	if err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return created, nil
	}
	models := make([]ContactModel, 0, len(created))
	for _, c := range created {
		models = append(models, contactToModel(ownerID, c))
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("insert contacts: %w", err)
	}
	return created, nil
}

// UpdateContact merges patch onto the owner's row.
func (s *GormStore) UpdateContact(ctx context.Context, ownerID, id string, patch domain.ContactPatch) (domain.Contact, error) {
	if err := validatePatch(patch); err != nil {
		return domain.Contact{}, err
	}
	var updated domain.Contact
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := findContact(tx, ownerID, id)
		if err != nil {
			return err
		}
		updated = patch.Apply(contactFromModel(model))
		next := contactToModel(ownerID, updated)
		res := tx.Model(&ContactModel{}).
			Where("id = ? AND user_id = ?", id, ownerID).
			Updates(map[string]any{
				"name":           next.Name,
				"phone":          next.Phone,
				"company":        next.Company,
				"notes":          next.Notes,
				"status":         next.Status,
				"last_contacted": next.LastContacted,
			})
		if res.Error != nil {
			return fmt.Errorf("update contact: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return domain.Contact{}, err
	}
	return updated, nil
}

// DeleteContact removes the owner's row.
func (s *GormStore) DeleteContact(ctx context.Context, ownerID, id string) error {
	res := s.db.WithContext(ctx).Delete(&ContactModel{}, "id = ? AND user_id = ?", id, ownerID)
	if res.Error != nil {
		return fmt.Errorf("delete contact: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func findContact(db *gorm.DB, ownerID, id string) (ContactModel, error) {
	var model ContactModel
	if err := db.First(&model, "id = ? AND user_id = ?", id, ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ContactModel{}, ErrNotFound
		}
		return ContactModel{}, fmt.Errorf("get contact: %w", err)
	}
	return model, nil
}

// CreateUser registers a user; ErrEmailTaken when the email is in use.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&UserModel{}).Where("email = ?", model.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailTaken
		}
		return tx.Create(&model).Error
	})
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func contactToModel(ownerID string, c domain.Contact) ContactModel {
	return ContactModel{
		ID:            c.ID,
		UserID:        ownerID,
		Name:          c.Name,
		Phone:         c.Phone,
		Company:       nullableString(c.Company),
		Notes:         nullableString(c.Notes),
		Status:        string(c.Status),
		ImportedAt:    c.ImportedAt.UTC(),
		LastContacted: utcPtr(c.LastContacted),
	}
}

func contactFromModel(m ContactModel) domain.Contact {
	c := domain.Contact{
		ID:            m.ID,
		Name:          m.Name,
		Phone:         m.Phone,
		Status:        domain.CallStatus(m.Status),
		ImportedAt:    m.ImportedAt.UTC(),
		LastContacted: utcPtr(m.LastContacted),
	}
	if m.Company != nil {
		c.Company = *m.Company
	}
	if m.Notes != nil {
		c.Notes = *m.Notes
	}
	return c
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt.UTC(),
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
