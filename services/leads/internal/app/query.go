package app

import (
	"fmt"
	"sort"
	"strings"

	"fotocall/pkg/domain"
)

// SortField selects the attribute the contact list is ordered by.
type SortField string

const (
	SortImportedAt SortField = "importedAt"
	SortName       SortField = "name"
	SortStatus     SortField = "status"
)

// SortOrder is asc or desc.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// Query narrows and orders the visible collection.
type Query struct {
	Search  string
	Sort    SortField
	Order   SortOrder
	Refresh bool
}

// ParseSort validates raw sort and order values. Empty values mean importedAt desc.
func ParseSort(field, order string) (SortField, SortOrder, error) {
	f := SortField(strings.TrimSpace(field))
	switch strings.ToLower(string(f)) {
	case "":
		f = SortImportedAt
	case strings.ToLower(string(SortImportedAt)), "imported_at":
		f = SortImportedAt
	case string(SortName):
		f = SortName
	case string(SortStatus):
		f = SortStatus
	default:
		return "", "", fmt.Errorf("unknown sort field %q", field)
	}
	o := SortOrder(strings.ToLower(strings.TrimSpace(order)))
	switch o {
	case "":
		o = OrderDesc
	case OrderAsc, OrderDesc:
	default:
		return "", "", fmt.Errorf("unknown sort order %q", order)
	}
	return f, o, nil
}

// filterContacts keeps contacts whose name, phone, or company contains search, ignoring case.
func filterContacts(contacts []domain.Contact, search string) []domain.Contact {
	needle := strings.ToLower(strings.TrimSpace(search))
	if needle == "" {
		return contacts
	}
	out := make([]domain.Contact, 0, len(contacts))
	for _, c := range contacts {
		if strings.Contains(strings.ToLower(c.Name), needle) ||
			strings.Contains(strings.ToLower(c.Phone), needle) ||
			strings.Contains(strings.ToLower(c.Company), needle) {
			out = append(out, c)
		}
	}
	return out
}

func sortContacts(contacts []domain.Contact, field SortField, order SortOrder) {
	less := func(a, b domain.Contact) int {
		switch field {
		case SortName:
			if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
				return c
			}
		case SortStatus:
			if c := strings.Compare(string(a.Status), string(b.Status)); c != 0 {
				return c
			}
		default:
			if c := a.ImportedAt.Compare(b.ImportedAt); c != 0 {
				return c
			}
		}
		return 0
	}
	sort.SliceStable(contacts, func(i, j int) bool {
		c := less(contacts[i], contacts[j])
		if c == 0 {
			return contacts[i].ID < contacts[j].ID
		}
		if order == OrderAsc {
			return c < 0
		}
		return c > 0
	})
}
