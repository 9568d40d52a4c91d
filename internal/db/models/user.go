// Package models - user.go defines the User model: the actor identity an audit entry credits.
package models

import "time"

// User represents an actor in the system
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
