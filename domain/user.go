package domain

import "time"

// User is the public profile of an account. Accounts are owned by the
// identity provider; the core only reads them.
type User struct {
	ID    string `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Email string `db:"email" json:"email"`
	Image string `db:"image" json:"image,omitempty"`
}

// DisplayName falls back to the email and then the id when no name is set.
func (u User) DisplayName() string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	}
	return u.ID
}

// Identity is what a resolved credential yields.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
}

// Expired compares against absolute wall-clock time.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}
