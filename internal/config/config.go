// Package config содержит логику чтения конфигурации кэшбэк-сервиса.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации кэшбэк-сервиса.
type Config struct {
	RunAddress      string  `env:"RUN_ADDRESS"`
	DatabaseURI     string  `env:"DATABASE_URI"`
	SaleFeedAddress string  `env:"SALE_FEED_ADDRESS"`
	AuthSecret      string  `env:"AUTH_SECRET"`
	AdminKey        string  `env:"ADMIN_KEY"`
	ReferralBonus   float64 `env:"REFERRAL_BONUS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envSaleFeedAddress := cfg.SaleFeedAddress
	envAuthSecret := cfg.AuthSecret
	envAdminKey := cfg.AdminKey
	envReferralBonus := cfg.ReferralBonus
	// Явный REFERRAL_BONUS=0 — легитимная настройка «без бонуса», поэтому
	// факт присутствия переменной проверяется отдельно от её значения.
	_, envReferralBonusSet := os.LookupEnv("REFERRAL_BONUS")

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.SaleFeedAddress, "r", "", "sale feed address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookies")
	flag.StringVar(&cfg.AdminKey, "k", "", "admin API key")
	flag.Float64Var(&cfg.ReferralBonus, "b", 5.00, "referral bonus amount")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envSaleFeedAddress != "" {
		cfg.SaleFeedAddress = envSaleFeedAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envAdminKey != "" {
		cfg.AdminKey = envAdminKey
	}
	if envReferralBonusSet {
		cfg.ReferralBonus = envReferralBonus
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ReferralBonus < 0 {
		return nil, fmt.Errorf("referral bonus must not be negative: %v", cfg.ReferralBonus)
	}

	return cfg, nil
}
