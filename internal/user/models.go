package user

import "time"

// Role is the principal's access level.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleEndUser    Role = "enduser"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSupervisor, RoleEndUser:
		return true
	}
	return false
}

// Principal is a stored user account. Accounts are deactivated, never hard
// deleted.
type Principal struct {
	UserID       string    `bson:"user_id" json:"user_id"`
	Username     string    `bson:"username" json:"username"`
	Email        string    `bson:"email" json:"email"`
	PasswordHash string    `bson:"password_hash" json:"-"`
	Role         Role      `bson:"role" json:"role"`
	IsActive     bool      `bson:"is_active" json:"is_active"`
	Credits      int64     `bson:"credits" json:"credits"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
}

// SyncUser is one entry of an admin user-sync request.
type SyncUser struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
	Credits  *int64 `json:"credits"`
}

// SyncResult aggregates the outcome of a user sync.
type SyncResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors,omitempty"`
}
