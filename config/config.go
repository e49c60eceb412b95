package config

import (
	"fmt"
	"os"
	"path"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// SysConfig holds process-level settings.
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Secret string `yaml:"secret" json:"secret"`
}

type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// WhatsappConfig carries the connection-supervisor and dispatcher policy knobs.
type WhatsappConfig struct {
	// DefaultCountryCode is prepended to bare 10-digit recipients. A
	// deployment policy constant for the primary market.
	DefaultCountryCode string `yaml:"default_country_code" json:"default_country_code"`
	// RateLimitMax / RateLimitWindowSec: fixed-window outbound cap per session.
	RateLimitMax       int `yaml:"rate_limit_max" json:"rate_limit_max"`
	RateLimitWindowSec int `yaml:"rate_limit_window_sec" json:"rate_limit_window_sec"`
	// MaxRetries bounds automatic reconnect attempts per session.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// CampaignDelayMs is the inter-message delay during campaign dispatch.
	CampaignDelayMs int `yaml:"campaign_delay_ms" json:"campaign_delay_ms"`
	// RestoreStaggerMs spaces out reconnects at startup to avoid a storm.
	RestoreStaggerMs int `yaml:"restore_stagger_ms" json:"restore_stagger_ms"`
}

type SmsConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	AccountSid string `yaml:"account_sid" json:"account_sid"`
	AuthToken  string `yaml:"auth_token" json:"auth_token"`
	From       string `yaml:"from" json:"from"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system" json:"system"`
	Web      WebConfig      `yaml:"web" json:"web"`
	Database DBConfig       `yaml:"database" json:"database"`
	Whatsapp WhatsappConfig `yaml:"whatsapp" json:"whatsapp"`
	Sms      SmsConfig      `yaml:"sms" json:"sms"`
	Logger   LogConfig      `yaml:"logger" json:"logger"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "WaPlatform",
		Location: "Asia/Kolkata",
		Workdir:  "/var/waplatform",
		Debug:    true,
	},
	Web: WebConfig{
		Host:   "0.0.0.0",
		Port:   1816,
		Secret: "9b6de5cc-0001-1203-xxtt-0f568ac9da37",
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "waplatform",
		User:     "postgres",
		Passwd:   "myroot",
		MaxConn:  100,
		IdleConn: 10,
	},
	Whatsapp: WhatsappConfig{
		DefaultCountryCode: "91",
		RateLimitMax:       30,
		RateLimitWindowSec: 60,
		MaxRetries:         5,
		CampaignDelayMs:    3000,
		RestoreStaggerMs:   2000,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/waplatform/waplatform.log",
	},
}

func setEnvValue(name string, f func(v string)) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		f(evalue)
	}
}

func setEnvBoolValue(name string, f func(v bool)) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		f(evalue == "true" || evalue == "1" || evalue == "on")
	}
}

func setEnvIntValue(name string, f func(v int)) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		f(cast.ToInt(evalue))
	}
}

// LoadConfig reads the YAML config file (if present) and overlays
// environment variables on top of it.
func LoadConfig(cfile string) *AppConfig {
	// parse config file
	cfg := new(AppConfig)
	if cfile == "" {
		cfile = "waplatform.yml"
	}
	if _, err := os.Stat(cfile); err == nil {
		data, err := os.ReadFile(cfile)
		if err != nil {
			panic(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			panic(err)
		}
	} else {
		cfg = DefaultAppConfig
	}

	setEnvValue("WAPLATFORM_SYSTEM_WORKDIR", func(v string) { cfg.System.Workdir = v })
	setEnvValue("WAPLATFORM_SYSTEM_LOCATION", func(v string) { cfg.System.Location = v })
	setEnvBoolValue("WAPLATFORM_SYSTEM_DEBUG", func(v bool) { cfg.System.Debug = v })

	setEnvValue("WAPLATFORM_WEB_HOST", func(v string) { cfg.Web.Host = v })
	setEnvValue("WAPLATFORM_WEB_SECRET", func(v string) { cfg.Web.Secret = v })
	setEnvIntValue("WAPLATFORM_WEB_PORT", func(v int) { cfg.Web.Port = v })

	setEnvValue("WAPLATFORM_DB_TYPE", func(v string) { cfg.Database.Type = v })
	setEnvValue("WAPLATFORM_DB_HOST", func(v string) { cfg.Database.Host = v })
	setEnvValue("WAPLATFORM_DB_NAME", func(v string) { cfg.Database.Name = v })
	setEnvValue("WAPLATFORM_DB_USER", func(v string) { cfg.Database.User = v })
	setEnvValue("WAPLATFORM_DB_PWD", func(v string) { cfg.Database.Passwd = v })
	setEnvIntValue("WAPLATFORM_DB_PORT", func(v int) { cfg.Database.Port = v })
	setEnvBoolValue("WAPLATFORM_DB_DEBUG", func(v bool) { cfg.Database.Debug = v })

	setEnvValue("WAPLATFORM_WA_COUNTRY_CODE", func(v string) { cfg.Whatsapp.DefaultCountryCode = v })
	setEnvIntValue("WAPLATFORM_WA_RATE_LIMIT_MAX", func(v int) { cfg.Whatsapp.RateLimitMax = v })
	setEnvIntValue("WAPLATFORM_WA_RATE_LIMIT_WINDOW", func(v int) { cfg.Whatsapp.RateLimitWindowSec = v })
	setEnvIntValue("WAPLATFORM_WA_MAX_RETRIES", func(v int) { cfg.Whatsapp.MaxRetries = v })
	setEnvIntValue("WAPLATFORM_WA_CAMPAIGN_DELAY", func(v int) { cfg.Whatsapp.CampaignDelayMs = v })

	setEnvBoolValue("WAPLATFORM_SMS_ENABLED", func(v bool) { cfg.Sms.Enabled = v })
	setEnvValue("TWILIO_ACCOUNT_SID", func(v string) { cfg.Sms.AccountSid = v })
	setEnvValue("TWILIO_AUTH_TOKEN", func(v string) { cfg.Sms.AuthToken = v })
	setEnvValue("TWILIO_SMS_FROM", func(v string) { cfg.Sms.From = v })

	setEnvValue("WAPLATFORM_LOGGER_MODE", func(v string) { cfg.Logger.Mode = v })
	setEnvBoolValue("WAPLATFORM_LOGGER_FILE_ENABLE", func(v bool) { cfg.Logger.FileEnable = v })

	if cfg.Logger.Filename == "" {
		cfg.Logger.Filename = path.Join(cfg.System.Workdir, fmt.Sprintf("%s.log", cfg.System.Appid))
	}

	return cfg
}
