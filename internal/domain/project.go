package domain

import "time"

// Project describes a deployable site owned by a user.
type Project struct {
	ID          string
	UserID      string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
