package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Internal InternalConfig `mapstructure:"internal"`
	OSS      OSSConfig      `mapstructure:"oss"`
	Queue    QueueConfig    `mapstructure:"queue"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Cron     CronConfig     `mapstructure:"cron"`
	Credits  CreditsConfig  `mapstructure:"credits"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql, sqlite
	DSN          string `mapstructure:"dsn"`    // sqlite 文件路径
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// InternalConfig 服务间调用（支付回调层、生成服务、定时任务触发器）
type InternalConfig struct {
	Token string `mapstructure:"token"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	ReportPrefix    string `mapstructure:"report_prefix"`
}

type QueueConfig struct {
	WebhookQueue      string `mapstructure:"webhook_queue"`
	MaxWorkers        int    `mapstructure:"max_workers"`
	PopTimeoutSeconds int    `mapstructure:"pop_timeout_seconds"`
}

type PubSubConfig struct {
	Channel string `mapstructure:"channel"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type CronConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	UnfreezeSchedule  string `mapstructure:"unfreeze_schedule"`
	ExpireSchedule    string `mapstructure:"expire_schedule"`
	PendingSchedule   string `mapstructure:"pending_schedule"`
	MonthlySchedule   string `mapstructure:"monthly_schedule"`
	ConcurrencyPolicy string `mapstructure:"concurrency_policy"` // skip, delay
}

type CreditsConfig struct {
	Plans              map[string]PlanConfig    `mapstructure:"plans"`
	Packages           map[string]PackageConfig `mapstructure:"packages"`
	YearlyBonusPercent int                      `mapstructure:"yearly_bonus_percent"`
	RefillValidityDays int                      `mapstructure:"refill_validity_days"`
	BonusValidityDays  int                      `mapstructure:"bonus_validity_days"`
	ExpiringSoonDays   int                      `mapstructure:"expiring_soon_days"`
	ActivationLeadDays int                      `mapstructure:"activation_lead_days"`
	RegistrationBonus  RegistrationBonusConfig  `mapstructure:"registration_bonus"`
}

// PlanConfig 订阅档位
type PlanConfig struct {
	Level          int   `mapstructure:"level"`
	MonthlyCredits int64 `mapstructure:"monthly_credits"`
}

// PackageConfig 一次性积分包
type PackageConfig struct {
	Credits   int64 `mapstructure:"credits"`
	ValidDays int   `mapstructure:"valid_days"`
}

type RegistrationBonusConfig struct {
	Credits   int64 `mapstructure:"credits"`
	ValidDays int   `mapstructure:"valid_days"`
}

// DefaultCredits 返回默认积分配置
func DefaultCredits() CreditsConfig {
	return CreditsConfig{
		Plans: map[string]PlanConfig{
			"basic": {Level: 1, MonthlyCredits: 150},
			"pro":   {Level: 2, MonthlyCredits: 800},
			"max":   {Level: 3, MonthlyCredits: 2000},
		},
		Packages: map[string]PackageConfig{
			"starter":  {Credits: 100, ValidDays: 365},
			"standard": {Credits: 500, ValidDays: 365},
			"premium":  {Credits: 2000, ValidDays: 365},
		},
		YearlyBonusPercent: 20,
		RefillValidityDays: 30,
		BonusValidityDays:  365,
		ExpiringSoonDays:   7,
		ActivationLeadDays: 3,
		RegistrationBonus:  RegistrationBonusConfig{Credits: 50, ValidDays: 15},
	}
}

// Plan 查找订阅档位
func (c CreditsConfig) Plan(tier string) (PlanConfig, bool) {
	p, ok := c.Plans[tier]
	return p, ok
}

// PlanLevels 档位等级表
func (c CreditsConfig) PlanLevels() map[string]int {
	levels := make(map[string]int, len(c.Plans))
	for name, p := range c.Plans {
		levels[name] = p.Level
	}
	return levels
}

// Package 查找积分包
func (c CreditsConfig) Package(code string) (PackageConfig, bool) {
	p, ok := c.Packages[code]
	return p, ok
}

// YearlyBonus 年付赠送积分 = 12 个月额度 × 赠送比例
func (c CreditsConfig) YearlyBonus(tier string) int64 {
	p, ok := c.Plans[tier]
	if !ok {
		return 0
	}
	return p.MonthlyCredits * 12 * int64(c.YearlyBonusPercent) / 100
}

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if len(cfg.Credits.Plans) == 0 {
		cfg.Credits.Plans = DefaultCredits().Plans
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultCredits()
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("queue.webhook_queue", "credit_webhook_events")
	v.SetDefault("queue.max_workers", 4)
	v.SetDefault("queue.pop_timeout_seconds", 5)
	v.SetDefault("pubsub.channel", "credit_ledger_events")
	v.SetDefault("cron.unfreeze_schedule", "*/10 * * * *")
	v.SetDefault("cron.expire_schedule", "*/5 * * * *")
	v.SetDefault("cron.pending_schedule", "*/5 * * * *")
	v.SetDefault("cron.monthly_schedule", "@hourly")
	v.SetDefault("cron.concurrency_policy", "skip")
	v.SetDefault("credits.yearly_bonus_percent", d.YearlyBonusPercent)
	v.SetDefault("credits.refill_validity_days", d.RefillValidityDays)
	v.SetDefault("credits.bonus_validity_days", d.BonusValidityDays)
	v.SetDefault("credits.expiring_soon_days", d.ExpiringSoonDays)
	v.SetDefault("credits.activation_lead_days", d.ActivationLeadDays)
	v.SetDefault("credits.registration_bonus.credits", d.RegistrationBonus.Credits)
	v.SetDefault("credits.registration_bonus.valid_days", d.RegistrationBonus.ValidDays)
}
