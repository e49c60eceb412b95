package domain

import "time"

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignRunning   = "running"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
)

// Campaign is a bulk-send job: one message template dispatched sequentially
// to many recipients through a single session. Recipients is a
// newline-separated list; per-recipient outcomes live in MessageLog rows
// tagged with CampaignId.
type Campaign struct {
	ID         int64      `json:"id,string" gorm:"primaryKey"`
	UserId     int64      `json:"user_id,string" gorm:"index"`
	SessionId  int64      `json:"session_id,string" gorm:"index"`
	Name       string     `json:"name"`
	Body       string     `json:"body"`
	MediaURL   string     `json:"media_url"`
	Recipients string     `json:"recipients"`
	Status     string     `json:"status" gorm:"index"`
	Total      int        `json:"total"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

func (Campaign) TableName() string {
	return "wa_campaign"
}
