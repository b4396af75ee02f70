// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture and depends on nothing.
package domain

import (
	"strings"
	"time"
)

// ─── Account Types ──────────────────────────────────────────────────────────

// Account identifies a user's coin holdings. Accounts are never deleted;
// Disabled is the soft-delete flag.
type Account struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	Timezone  string    `json:"timezone"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Location returns the account's reference timezone, or fallback when the
// account has none or it cannot be loaded.
func (a Account) Location(fallback *time.Location) *time.Location {
	if a.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// NormalizeHandle trims whitespace and ensures a single leading "@".
func NormalizeHandle(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimLeft(h, "@")
	if h == "" {
		return ""
	}
	return "@" + strings.ToLower(h)
}

// CalendarDate formats t as a YYYY-MM-DD date in loc.
func CalendarDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}
