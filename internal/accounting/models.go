package accounting

import "time"

// Transaction is one audit record of a debit attempt. Failed debits and
// partial streams are logged too; nothing is ever refunded automatically,
// so this log is the reconciliation source of truth.
type Transaction struct {
	UserID     string    `bson:"user_id" json:"user_id"`
	ChatflowID string    `bson:"chatflow_id" json:"chatflow_id"`
	Cost       int64     `bson:"cost" json:"cost"`
	Success    bool      `bson:"success" json:"success"`
	Detail     string    `bson:"detail,omitempty" json:"detail,omitempty"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}
