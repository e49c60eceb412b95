package domain

import "time"

// Message log statuses. A row is created pending before the network call
// and moved to exactly one terminal state afterwards.
const (
	MessagePending = "pending"
	MessageSent    = "sent"
	MessageFailed  = "failed"
)

// Message sources.
const (
	SourceApi      = "api"
	SourceCampaign = "campaign"
	SourceManual   = "manual"
)

// MessageLog records one send attempt. SessionId is zeroed (not the row
// deleted) when the owning session is removed, so the audit trail survives.
type MessageLog struct {
	ID         int64      `json:"id,string" gorm:"primaryKey"`
	UserId     int64      `json:"user_id,string" gorm:"index"`
	SessionId  int64      `json:"session_id,string" gorm:"index"`
	CampaignId int64      `json:"campaign_id,string" gorm:"index"`
	Recipient  string     `json:"recipient"`
	Body       string     `json:"body"`
	MediaRef   string     `json:"media_ref"`
	Status     string     `json:"status" gorm:"index"`
	Source     string     `json:"source"`
	Error      string     `json:"error"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at"`
}

func (MessageLog) TableName() string {
	return "wa_message_log"
}
