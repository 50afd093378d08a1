package domain

import "time"

// User is the tenant identity. Mailbox accounts hang off a user, never the
// other way around.
type User struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex;not null"`
	Password  string    `json:"-"` // bcrypt hash, never serialized
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RefreshToken is one device's long-lived session. A user may hold several
// at once, one per signed-in device.
type RefreshToken struct {
	Token     string    `json:"token" gorm:"primaryKey"`
	UserID    string    `json:"user_id" gorm:"index;not null"`
	ExpiresAt time.Time `json:"expires_at"`
}
