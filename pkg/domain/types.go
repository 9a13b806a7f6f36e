package domain

import (
	"strings"
	"time"
)

// CallStatus tracks call progress for a contact. Any status may be reassigned to any other.
type CallStatus string

const (
	StatusPending       CallStatus = "PENDING"
	StatusCalled        CallStatus = "CALLED"
	StatusNoAnswer      CallStatus = "NO_ANSWER"
	StatusInterested    CallStatus = "INTERESTED"
	StatusNotInterested CallStatus = "NOT_INTERESTED"
	StatusClosed        CallStatus = "CLOSED"
)

// CallStatuses lists every status in display order.
var CallStatuses = []CallStatus{
	StatusPending,
	StatusCalled,
	StatusNoAnswer,
	StatusInterested,
	StatusNotInterested,
	StatusClosed,
}

// ParseCallStatus accepts the enumerated value case-insensitively; spaces are read as underscores.
func ParseCallStatus(raw string) (CallStatus, bool) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	norm = strings.ReplaceAll(norm, " ", "_")
	for _, s := range CallStatuses {
		if string(s) == norm {
			return s, true
		}
	}
	return "", false
}

// Label is the human readable form, e.g. "NO ANSWER".
func (s CallStatus) Label() string {
	return strings.ReplaceAll(string(s), "_", " ")
}

// UnknownName is used when extraction does not yield a name.
const UnknownName = "Unknown"

type Contact struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Phone         string     `json:"phone"`
	Company       string     `json:"company,omitempty"`
	Notes         string     `json:"notes"`
	Status        CallStatus `json:"status"`
	ImportedAt    time.Time  `json:"importedAt"`
	LastContacted *time.Time `json:"lastContacted,omitempty"`
}

// Candidate is a contact-shaped record returned by extraction, before it gets an id,
// timestamp and status.
type Candidate struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone"`
	Company string `json:"company,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// ContactEdit carries user edits. Nil fields are left untouched.
type ContactEdit struct {
	Name    *string `json:"name,omitempty"`
	Phone   *string `json:"phone,omitempty"`
	Company *string `json:"company,omitempty"`
	Notes   *string `json:"notes,omitempty"`
}

// ContactPatch is a partial update applied by a store. Nil fields are left untouched.
type ContactPatch struct {
	Name          *string
	Phone         *string
	Company       *string
	Notes         *string
	Status        *CallStatus
	LastContacted *time.Time
}

// Apply merges the patch onto c. ID and ImportedAt are never modified.
func (p ContactPatch) Apply(c Contact) Contact {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Phone != nil {
		c.Phone = *p.Phone
	}
	if p.Company != nil {
		c.Company = *p.Company
	}
	if p.Notes != nil {
		c.Notes = *p.Notes
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.LastContacted != nil {
		t := *p.LastContacted
		c.LastContacted = &t
	}
	return c
}

// FullPatch returns a patch carrying every mutable field of c.
func FullPatch(c Contact) ContactPatch {
	p := ContactPatch{
		Name:    &c.Name,
		Phone:   &c.Phone,
		Company: &c.Company,
		Notes:   &c.Notes,
		Status:  &c.Status,
	}
	if c.LastContacted != nil {
		t := *c.LastContacted
		p.LastContacted = &t
	}
	return p
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// LocalUser is the implicit single tenant of the local-only variant.
var LocalUser = User{ID: "local", Email: "local"}

type StatusCount struct {
	Status CallStatus `json:"status"`
	Label  string     `json:"label"`
	Count  int        `json:"count"`
}

type Stats struct {
	Total          int           `json:"total"`
	Pending        int           `json:"pending"`
	CompletionRate int           `json:"completionRate"`
	Distribution   []StatusCount `json:"distribution"`
}

// ComputeStats summarizes a collection. CompletionRate is the rounded percentage of
// contacts that have left PENDING.
func ComputeStats(contacts []Contact) Stats {
	counts := make(map[CallStatus]int, len(CallStatuses))
	for _, c := range contacts {
		counts[c.Status]++
	}
	stats := Stats{
		Total:        len(contacts),
		Pending:      counts[StatusPending],
		Distribution: []StatusCount{},
	}
	if stats.Total > 0 {
		done := stats.Total - stats.Pending
		stats.CompletionRate = (done*100 + stats.Total/2) / stats.Total
	}
	for _, s := range CallStatuses {
		if counts[s] == 0 {
			continue
		}
		stats.Distribution = append(stats.Distribution, StatusCount{Status: s, Label: s.Label(), Count: counts[s]})
	}
	return stats
}
