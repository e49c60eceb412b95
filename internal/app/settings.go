package app

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
)

const settingsCacheTTL = time.Minute

// settingSchema describes one sys_config entry seeded at startup.
type settingSchema struct {
	Category    string
	Name        string
	Default     string
	Description string
}

var defaultSettings = []settingSchema{
	{"messaging", "rate_limit_per_minute", "30", "Max messages per session per minute"},
	{"messaging", "campaign_delay_ms", "3000", "Delay between campaign sends"},
	{"messaging", "default_country_code", "91", "Country code prefixed to 10-digit recipients"},
	{"sms", "fallback_enabled", "true", "Allow SMS delegation when no session is connected"},
	{"retention", "message_log_days", "90", "Days to keep message logs"},
	{"retention", "campaign_days", "90", "Days to keep finished campaigns"},
}

// ConfigManager reads runtime settings from the sys_config table with a
// short-lived in-memory cache. Values changed through the admin API take
// effect within the cache TTL without a restart.
type ConfigManager struct {
	db *gorm.DB

	mu     sync.RWMutex
	cache  map[string]string
	loaded time.Time
}

func NewConfigManager(db *gorm.DB) *ConfigManager {
	return &ConfigManager{db: db, cache: make(map[string]string)}
}

func settingKey(category, name string) string {
	return category + "." + name
}

func (m *ConfigManager) snapshot() map[string]string {
	m.mu.RLock()
	fresh := time.Since(m.loaded) < settingsCacheTTL
	cache := m.cache
	m.mu.RUnlock()
	if fresh {
		return cache
	}

	var rows []domain.SysConfig
	if err := m.db.Find(&rows).Error; err != nil {
		zap.L().Error("settings: load sys_config failed", zap.Error(err))
		return cache
	}
	next := make(map[string]string, len(rows))
	for _, row := range rows {
		next[settingKey(row.Type, row.Name)] = row.Value
	}

	m.mu.Lock()
	m.cache = next
	m.loaded = time.Now()
	m.mu.Unlock()
	return next
}

func (m *ConfigManager) GetString(category, name string) string {
	return m.snapshot()[settingKey(category, name)]
}

func (m *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.GetString(category, name))
}

func (m *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(m.GetString(category, name))
}

// Save updates one setting. Unknown category/name pairs are rejected so
// the table only ever holds seeded keys.
func (m *ConfigManager) Save(category, name, value string) error {
	var count int64
	m.db.Model(&domain.SysConfig{}).
		Where("type = ? and name = ?", category, name).
		Count(&count)
	if count == 0 {
		return errors.Errorf("unknown setting %s.%s", category, name)
	}
	err := m.db.Model(&domain.SysConfig{}).
		Where("type = ? and name = ?", category, name).
		Updates(map[string]interface{}{
			"value":      value,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return errors.Wrap(err, "save setting")
	}
	m.invalidate()
	zap.L().Info("settings: updated",
		zap.String("key", settingKey(category, name)), zap.String("value", value))
	return nil
}

// List returns all settings ordered for display.
func (m *ConfigManager) List() ([]domain.SysConfig, error) {
	var rows []domain.SysConfig
	err := m.db.Order("type, sort, name").Find(&rows).Error
	return rows, err
}

func (m *ConfigManager) invalidate() {
	m.mu.Lock()
	m.loaded = time.Time{}
	m.mu.Unlock()
}

// checkDefaultSettings seeds sys_config rows that do not exist yet.
// Existing values are never overwritten.
func (a *Application) checkDefaultSettings() {
	for sortid, schema := range defaultSettings {
		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", schema.Category, schema.Name).
			Count(&count)
		if count > 0 {
			continue
		}
		a.gormDB.Create(&domain.SysConfig{
			ID:     0,
			Sort:   sortid,
			Type:   schema.Category,
			Name:   schema.Name,
			Value:  schema.Default,
			Remark: schema.Description,
		})
		zap.L().Info("initialized setting",
			zap.String("key", settingKey(schema.Category, schema.Name)),
			zap.String("default", schema.Default))
	}
}
