package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

// ContactModel mirrors the remote contacts table. Company and notes are nullable.
type ContactModel struct {
	ID            string `gorm:"primaryKey"`
	UserID        string `gorm:"not null;index"`
	Name          string `gorm:"not null"`
	Phone         string `gorm:"not null"`
	Company       *string
	Notes         *string
	Status        string    `gorm:"not null"`
	ImportedAt    time.Time `gorm:"not null;index"`
	LastContacted *time.Time
}

func (ContactModel) TableName() string { return "contacts" }
