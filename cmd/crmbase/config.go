package main

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/adrianmcphee/crmbase"
)

var (
	registry = prometheus.NewRegistry()
	metrics  = crmbase.NewPrometheusMetrics(registry)
)

// loadConfig reads .env files, then binds flags and CRM_* environment
// variables. Flags win over the environment.
func loadConfig(cmd *cobra.Command) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("crm")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	return nil
}

func newLogger(level string, json bool) (*crmbase.ZapLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if json {
		return crmbase.NewProductionZapLogger(lvl)
	}
	return crmbase.NewDevelopmentZapLogger(lvl)
}

func scheme(url string) string {
	if i := strings.Index(url, ":"); i > 0 {
		return url[:i]
	}
	return url
}
