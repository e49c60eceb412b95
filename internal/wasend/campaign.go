package wasend

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
)

const defaultCampaignWorkers = 8

// CampaignRunner executes bulk-send jobs on a bounded worker pool. Within
// one campaign recipients are dispatched sequentially with an
// inter-message delay; burst patterns get flagged as abuse by the remote
// network.
type CampaignRunner struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	pool       *ants.Pool
	delay      time.Duration

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

func NewCampaignRunner(db *gorm.DB, dispatcher *Dispatcher, workers int, delay time.Duration) (*CampaignRunner, error) {
	if workers <= 0 {
		workers = defaultCampaignWorkers
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, errors.Wrap(err, "create campaign pool")
	}
	return &CampaignRunner{
		db:         db,
		dispatcher: dispatcher,
		pool:       pool,
		delay:      delay,
		cancels:    make(map[int64]context.CancelFunc),
	}, nil
}

// Start submits the campaign to the pool. Fails when the campaign is not
// found, not owned by the caller, or already running.
func (r *CampaignRunner) Start(ctx context.Context, campaignID, userID int64) error {
	var campaign domain.Campaign
	q := r.db.WithContext(ctx).Where("id = ?", campaignID)
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.First(&campaign).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if campaign.Status == domain.CampaignRunning {
		return errors.Errorf("campaign %d is already running", campaignID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if _, dup := r.cancels[campaignID]; dup {
		r.mu.Unlock()
		cancel()
		return errors.Errorf("campaign %d is already queued", campaignID)
	}
	r.cancels[campaignID] = cancel
	r.mu.Unlock()

	err := r.pool.Submit(func() {
		defer func() {
			r.mu.Lock()
			delete(r.cancels, campaignID)
			r.mu.Unlock()
			cancel()
		}()
		r.run(runCtx, &campaign)
	})
	if err != nil {
		r.mu.Lock()
		delete(r.cancels, campaignID)
		r.mu.Unlock()
		cancel()
		return errors.Wrap(err, "submit campaign")
	}
	return nil
}

// Cancel stops a running campaign. Returns false when nothing was running.
func (r *CampaignRunner) Cancel(campaignID int64) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[campaignID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Release shuts the worker pool down. Running jobs observe their cancelled
// contexts.
func (r *CampaignRunner) Release() {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()
	r.pool.Release()
}

// ParseRecipients splits a newline- or comma-separated recipient list.
func ParseRecipients(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (r *CampaignRunner) run(ctx context.Context, campaign *domain.Campaign) {
	recipients := ParseRecipients(campaign.Recipients)
	now := time.Now()
	r.db.Model(&domain.Campaign{}).Where("id = ?", campaign.ID).Updates(map[string]interface{}{
		"status":     domain.CampaignRunning,
		"total":      len(recipients),
		"sent":       0,
		"failed":     0,
		"started_at": now,
	})
	zap.L().Info("wasend: campaign started",
		zap.Int64("campaign_id", campaign.ID), zap.Int("recipients", len(recipients)))

	sent, failed := 0, 0
	finish := func(status string) {
		end := time.Now()
		r.db.Model(&domain.Campaign{}).Where("id = ?", campaign.ID).Updates(map[string]interface{}{
			"status":      status,
			"sent":        sent,
			"failed":      failed,
			"finished_at": end,
		})
		zap.L().Info("wasend: campaign finished",
			zap.Int64("campaign_id", campaign.ID),
			zap.String("status", status),
			zap.Int("sent", sent),
			zap.Int("failed", failed))
	}

	for i, recipient := range recipients {
		select {
		case <-ctx.Done():
			finish(domain.CampaignCancelled)
			return
		default:
		}

		log, err := r.dispatcher.Send(ctx, SendRequest{
			SessionID:  campaign.SessionId,
			UserID:     campaign.UserId,
			CampaignID: campaign.ID,
			Recipient:  recipient,
			Body:       campaign.Body,
			MediaURL:   campaign.MediaURL,
			Source:     domain.SourceCampaign,
		})
		switch {
		case err != nil:
			var rle *RateLimitError
			if errors.As(err, &rle) {
				// wait out the window and retry this recipient once
				select {
				case <-ctx.Done():
					finish(domain.CampaignCancelled)
					return
				case <-time.After(rle.RetryAfter):
				}
				log, err = r.dispatcher.Send(ctx, SendRequest{
					SessionID:  campaign.SessionId,
					UserID:     campaign.UserId,
					CampaignID: campaign.ID,
					Recipient:  recipient,
					Body:       campaign.Body,
					MediaURL:   campaign.MediaURL,
					Source:     domain.SourceCampaign,
				})
			}
			if err != nil || log == nil || log.Status != domain.MessageSent {
				failed++
			} else {
				sent++
			}
		case log != nil && log.Status == domain.MessageSent:
			sent++
		default:
			failed++
		}

		r.db.Model(&domain.Campaign{}).Where("id = ?", campaign.ID).Updates(map[string]interface{}{
			"sent":   sent,
			"failed": failed,
		})

		if i < len(recipients)-1 && r.delay > 0 {
			select {
			case <-ctx.Done():
				finish(domain.CampaignCancelled)
				return
			case <-time.After(r.delay):
			}
		}
	}
	finish(domain.CampaignCompleted)
}
