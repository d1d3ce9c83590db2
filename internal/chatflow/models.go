package chatflow

import "time"

// SyncStatus tracks an entry's relation to the upstream catalog.
type SyncStatus string

const (
	SyncStatusActive  SyncStatus = "active"
	SyncStatusDeleted SyncStatus = "deleted"
	SyncStatusError   SyncStatus = "error"
)

// Chatflow mirrors one upstream chatflow. Configuration blobs are opaque
// JSON strings; only their validity is checked during sync.
type Chatflow struct {
	FlowiseID     string     `bson:"flowise_id" json:"flowise_id"`
	Name          string     `bson:"name" json:"name"`
	Description   string     `bson:"description" json:"description"`
	Deployed      bool       `bson:"deployed" json:"deployed"`
	IsPublic      bool       `bson:"is_public" json:"is_public"`
	Category      string     `bson:"category" json:"category"`
	Type          string     `bson:"type" json:"type"`
	FlowData      string     `bson:"flow_data" json:"-"`
	ChatbotConfig string     `bson:"chatbot_config" json:"-"`
	APIConfig     string     `bson:"api_config" json:"-"`
	SyncStatus    SyncStatus `bson:"sync_status" json:"sync_status"`
	SyncError     string     `bson:"sync_error,omitempty" json:"sync_error,omitempty"`
	SyncedAt      time.Time  `bson:"synced_at" json:"synced_at"`
	CreatedAt     time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at" json:"updated_at"`
}

// UserChatflow grants one user access to one chatflow. The pair is unique;
// presence with is_active=true is the authorization predicate.
type UserChatflow struct {
	UserID     string    `bson:"user_id" json:"user_id"`
	ChatflowID string    `bson:"chatflow_id" json:"chatflow_id"`
	IsActive   bool      `bson:"is_active" json:"is_active"`
	AssignedAt time.Time `bson:"assigned_at" json:"assigned_at"`
}

// SyncReport aggregates one catalog sync run.
type SyncReport struct {
	TotalFetched int      `json:"total_fetched"`
	Created      int      `json:"created"`
	Updated      int      `json:"updated"`
	Deleted      int      `json:"deleted"`
	Errors       int      `json:"errors"`
	ErrorDetails []string `json:"error_details,omitempty"`
}

// OrphanedAssignment is a grant whose user no longer exists in the
// principal store.
type OrphanedAssignment struct {
	UserID     string    `json:"user_id"`
	ChatflowID string    `json:"chatflow_id"`
	IsActive   bool      `json:"is_active"`
	AssignedAt time.Time `json:"assigned_at"`
}

// CleanupAction selects what cleanup does with invalid assignments.
type CleanupAction string

const (
	CleanupDeactivate CleanupAction = "deactivate"
	CleanupDelete     CleanupAction = "delete"
)

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DryRun      bool                 `json:"dry_run"`
	Action      CleanupAction        `json:"action"`
	Affected    int                  `json:"affected"`
	Assignments []OrphanedAssignment `json:"assignments,omitempty"`
}
