package wasend

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
	"github.com/kingdrowjin/jins-new-one/pkg/common"
)

// SessionStore persists session rows and their auth-state blobs. Each call
// is independently idempotent; the supervisor treats failures as
// best-effort during teardown paths.
type SessionStore interface {
	Create(ctx context.Context, session *domain.WaSession) error
	Get(ctx context.Context, sessionID, userID int64) (*domain.WaSession, error)
	Delete(ctx context.Context, sessionID, userID int64) (bool, error)
	LoadAuthState(ctx context.Context, sessionID int64) ([]byte, error)
	SaveAuthState(ctx context.Context, sessionID int64, blob []byte) error
	ClearAuthState(ctx context.Context, sessionID int64) error
	// UpdateStatus persists the session status; phone is only written when
	// non-empty.
	UpdateStatus(ctx context.Context, sessionID int64, status, phone string) error
	// ListRestorable returns sessions persisted as connected, for the
	// auto-restore pass at process start.
	ListRestorable(ctx context.Context) ([]domain.WaSession, error)
}

// MessageLogStore persists send-attempt records.
type MessageLogStore interface {
	Insert(ctx context.Context, log *domain.MessageLog) error
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, reason string) error
}

type GormSessionStore struct {
	db *gorm.DB
}

func NewGormSessionStore(db *gorm.DB) *GormSessionStore {
	return &GormSessionStore{db: db}
}

func (s *GormSessionStore) Create(ctx context.Context, session *domain.WaSession) error {
	if session.ID == 0 {
		session.ID = common.UUIDint64()
	}
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *GormSessionStore) Get(ctx context.Context, sessionID, userID int64) (*domain.WaSession, error) {
	var session domain.WaSession
	q := s.db.WithContext(ctx).Where("id = ?", sessionID)
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	err := q.First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *GormSessionStore) Delete(ctx context.Context, sessionID, userID int64) (bool, error) {
	q := s.db.WithContext(ctx).Where("id = ?", sessionID)
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	result := q.Delete(&domain.WaSession{})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	// dissociate rather than cascade: the audit trail outlives the session
	err := s.db.WithContext(ctx).Model(&domain.MessageLog{}).
		Where("session_id = ?", sessionID).
		Update("session_id", 0).Error
	if err != nil {
		return true, errors.Wrap(err, "dissociate message logs")
	}
	return true, nil
}

func (s *GormSessionStore) LoadAuthState(ctx context.Context, sessionID int64) ([]byte, error) {
	var session domain.WaSession
	err := s.db.WithContext(ctx).Select("auth_state").Where("id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(session.AuthState) == 0 {
		return nil, nil
	}
	return session.AuthState, nil
}

func (s *GormSessionStore) SaveAuthState(ctx context.Context, sessionID int64, blob []byte) error {
	return s.db.WithContext(ctx).Model(&domain.WaSession{}).
		Where("id = ?", sessionID).
		Update("auth_state", blob).Error
}

func (s *GormSessionStore) ClearAuthState(ctx context.Context, sessionID int64) error {
	return s.db.WithContext(ctx).Model(&domain.WaSession{}).
		Where("id = ?", sessionID).
		Update("auth_state", nil).Error
}

func (s *GormSessionStore) UpdateStatus(ctx context.Context, sessionID int64, status, phone string) error {
	updates := map[string]interface{}{"status": status, "updated_at": time.Now()}
	if phone != "" {
		updates["phone"] = phone
	}
	return s.db.WithContext(ctx).Model(&domain.WaSession{}).
		Where("id = ?", sessionID).
		Updates(updates).Error
}

func (s *GormSessionStore) ListRestorable(ctx context.Context) ([]domain.WaSession, error) {
	var sessions []domain.WaSession
	err := s.db.WithContext(ctx).
		Where("status = ?", domain.SessionConnected).
		Order("id").
		Find(&sessions).Error
	return sessions, err
}

type GormMessageLogStore struct {
	db *gorm.DB
}

func NewGormMessageLogStore(db *gorm.DB) *GormMessageLogStore {
	return &GormMessageLogStore{db: db}
}

func (s *GormMessageLogStore) Insert(ctx context.Context, log *domain.MessageLog) error {
	if log.ID == 0 {
		log.ID = common.UUIDint64()
	}
	if log.Status == "" {
		log.Status = domain.MessagePending
	}
	return s.db.WithContext(ctx).Create(log).Error
}

func (s *GormMessageLogStore) MarkSent(ctx context.Context, id int64, at time.Time) error {
	return s.db.WithContext(ctx).Model(&domain.MessageLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": domain.MessageSent, "sent_at": at}).Error
}

func (s *GormMessageLogStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	return s.db.WithContext(ctx).Model(&domain.MessageLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": domain.MessageFailed, "error": reason}).Error
}
