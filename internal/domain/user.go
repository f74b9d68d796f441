package domain

import "time"

// User is an account able to own workspaces and join collaborations.
type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash []byte
	IsActive     bool
	CreatedAt    time.Time
}
