package users

import "strings"

// User is a registered account. Accounts are immutable after signup.
type User struct {
	ID           string `gorm:"column:user_id;primaryKey;size:64;not null"`
	Username     string `gorm:"column:username;size:190;not null;uniqueIndex"`
	PasswordHash string `gorm:"column:password_hash;size:128;not null"`
	CreatedAtMs  int64  `gorm:"column:created_at_ms;not null"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
