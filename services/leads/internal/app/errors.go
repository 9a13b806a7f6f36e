package app

import (
	"errors"

	"fotocall/pkg/store"
)

var (
	// ErrExtractionFailed is shown to users when the AI service call fails. Nothing is stored.
	ErrExtractionFailed = errors.New("Failed to process image. Please try again.")

	// ErrPersistenceFailed is shown to users when a store write fails. The visible
	// collection is re-fetched from the store afterwards.
	ErrPersistenceFailed = errors.New("Could not save your changes. Please try again.")

	ErrContactNotFound    = store.ErrNotFound
	ErrDeleteNotConfirmed = errors.New("delete requires confirmation")
	ErrInvalidStatus      = errors.New("invalid status")
	ErrPhoneRequired      = errors.New("phone required")
	ErrNoImages           = errors.New("at least one image is required")

	// ErrInvalidCredentials should not enable account enumeration.
	ErrInvalidCredentials       = errors.New("Incorrect email address or password")
	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailAlreadyExists       = errors.New("email already exists")
	ErrWeakPassword             = errors.New("weak password")
	ErrAuthDisabled             = errors.New("sign-in is not available in local mode")
)

// NoContactsMessage is reported for an image in which nothing was found.
const NoContactsMessage = "No contacts found in this image."
