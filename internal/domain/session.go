package domain

import "time"

// WaSession statuses. Only the connection supervisor moves a session out
// of pending.
const (
	SessionPending      = "pending"
	SessionConnected    = "connected"
	SessionDisconnected = "disconnected"
	SessionFailed       = "failed"
)

// WaSession is one WhatsApp device linkage owned by an operator. AuthState
// holds the opaque credential blob required to resume the linkage without
// re-pairing; it is cleared when the remote side logs the device out.
type WaSession struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	UserId    int64     `json:"user_id,string" gorm:"index"`
	Name      string    `json:"name"`
	Status    string    `json:"status" gorm:"index"`
	Phone     string    `json:"phone"`
	AuthState []byte    `json:"-" gorm:"type:bytea"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WaSession) TableName() string {
	return "wa_session"
}
