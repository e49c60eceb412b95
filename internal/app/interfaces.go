package app

import (
	"database/sql"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/kingdrowjin/jins-new-one/config"
	"github.com/kingdrowjin/jins-new-one/internal/smsrelay"
	"github.com/kingdrowjin/jins-new-one/internal/wasend"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
	SqlDB() *sql.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// SettingsProvider provides runtime settings access
type SettingsProvider interface {
	ConfigMgr() *ConfigManager
	GetSettingsStringValue(category, key string) string
	GetSettingsInt64Value(category, key string) int64
	GetSettingsBoolValue(category, key string) bool
}

// MessagingContext exposes the composed messaging components to the
// web handlers.
type MessagingContext interface {
	Supervisor() *wasend.Supervisor
	Dispatcher() *wasend.Dispatcher
	Campaigns() *wasend.CampaignRunner
	Notifier() *wasend.Notifier
	SmsRelay() *smsrelay.Relay
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	SettingsProvider
	MessagingContext

	// Application lifecycle methods
	MigrateDB(track bool) error
	InitDb()
	DropAll()
}
