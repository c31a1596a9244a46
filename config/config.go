package config

import (
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/utils"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	SinkDriverSheets = "sheets"
	SinkDriverXLSX   = "xlsx"

	DBDriverMySQL  = "mysql"
	DBDriverSQLite = "sqlite"
)

// Config is loaded once at startup and passed explicitly to every component.
type Config struct {
	WebhookURL      string  `validate:"required,url"`
	PortalURL       string  `validate:"omitempty,url"`
	RatePerSecond   float64 `validate:"gt=0"`
	AppToken        string
	Timezone        string `validate:"required"`
	Location        *time.Location
	OpenHour        int    `validate:"gte=0,lte=23"`
	CloseHour       int    `validate:"gte=1,lte=24,gtfield=OpenHour"`
	SourceLabel     string `validate:"required"`
	PlaceholderName string `validate:"required"`
	PhoneRegion     string `validate:"required,len=2"`

	SinkDriver      string `validate:"oneof=sheets xlsx"`
	SheetID         string `validate:"required_if=SinkDriver sheets"`
	WorksheetName   string `validate:"required"`
	CredentialsFile string `validate:"required_if=SinkDriver sheets"`
	XLSXPath        string `validate:"required_if=SinkDriver xlsx"`

	ScheduleHours  string `validate:"required"`
	ScheduleMinute int    `validate:"gte=0,lte=59"`
	ScheduleDays   string `validate:"required"`

	DBDriver   string `validate:"oneof=mysql sqlite"`
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string `validate:"required_if=DBDriver mysql"`
	DBPath     string `validate:"required_if=DBDriver sqlite"`

	RedisAddress    string
	PubSubProjectID string
	AlertTopic      string

	Port     string `validate:"required"`
	LogLevel string

	// DisabledRules are skipped by runs that do not name rules explicitly.
	DisabledRules []string
	// DryRun keeps alerts in memory instead of the configured sink.
	DryRun bool
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		WebhookURL:      strings.TrimRight(utils.StringFromEnv("BITRIX24_WEBHOOK_URL", ""), "/"),
		PortalURL:       strings.TrimRight(utils.StringFromEnv("BITRIX24_PORTAL_URL", ""), "/"),
		RatePerSecond:   utils.FloatFromEnv("BITRIX24_RATE_PER_SEC", 2),
		AppToken:        utils.StringFromEnv("APPLICATION_TOKEN", ""),
		Timezone:        utils.StringFromEnv("TIMEZONE", "Europe/Moscow"),
		OpenHour:        utils.IntFromEnv("BUSINESS_OPEN_HOUR", 9),
		CloseHour:       utils.IntFromEnv("BUSINESS_CLOSE_HOUR", 18),
		SourceLabel:     utils.StringFromEnv("SOURCE_LABEL", "Program"),
		PlaceholderName: utils.StringFromEnv("PLACEHOLDER_NAME", "Без имени"),
		PhoneRegion:     strings.ToUpper(utils.StringFromEnv("PHONE_REGION", "RU")),

		SinkDriver:      strings.ToLower(utils.StringFromEnv("SINK_DRIVER", SinkDriverSheets)),
		SheetID:         utils.StringFromEnv("SHEET_ID", ""),
		WorksheetName:   utils.StringFromEnv("WORKSHEET_NAME", "Sheet1"),
		CredentialsFile: utils.StringFromEnv("CREDENTIALS_FILE", ""),
		XLSXPath:        utils.StringFromEnv("XLSX_PATH", "violations.xlsx"),

		ScheduleHours:  utils.StringFromEnv("SCHEDULE_HOURS", "8,10,12,14,16,18"),
		ScheduleMinute: utils.IntFromEnv("SCHEDULE_MINUTE", 0),
		ScheduleDays:   utils.StringFromEnv("SCHEDULE_DAYS", "mon-fri"),

		DBDriver:   strings.ToLower(utils.StringFromEnv("DB_DRIVER", DBDriverMySQL)),
		DBUser:     utils.StringFromEnv("DB_USER", ""),
		DBPassword: utils.StringFromEnv("DB_PASSWORD", ""),
		DBHost:     utils.StringFromEnv("DB_HOST", "127.0.0.1"),
		DBPort:     utils.StringFromEnv("DB_PORT", "3306"),
		DBName:     utils.StringFromEnv("DB_NAME", ""),
		DBPath:     utils.StringFromEnv("DB_PATH", "crm_auditor.db"),

		RedisAddress:    utils.StringFromEnv("REDIS_ADDRESS", ""),
		PubSubProjectID: pubSubProjectID(),
		AlertTopic:      utils.StringFromEnv("ALERT_TOPIC", ""),

		Port:     utils.StringFromEnv("PORT", "5000"),
		LogLevel: utils.StringFromEnv("LOG_LEVEL", "info"),

		DisabledRules: parseRuleList(utils.StringFromEnv("DISABLED_RULES", "")),
		DryRun:        utils.EnvBoolDefault("DRY_RUN", false),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and resolves the civil timezone.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	c.Location = loc
	return nil
}

// CronSpec renders the schedule as a standard five-field cron expression.
func (c *Config) CronSpec() string {
	hours := strings.Join(utils.SplitAndTrim(c.ScheduleHours), ",")
	return fmt.Sprintf("%d %s * * %s", c.ScheduleMinute, hours, strings.TrimSpace(c.ScheduleDays))
}

func pubSubProjectID() string {
	// Prefer explicit override.
	if v := utils.StringFromEnv("PUBSUB_PROJECT_ID", ""); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := utils.StringFromEnv("GOOGLE_CLOUD_PROJECT", ""); v != "" {
		return v
	}
	return utils.StringFromEnv("GCP_PROJECT", "")
}
