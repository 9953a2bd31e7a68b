// Package config loads the four TOML configuration files of SPEC_FULL.md
// §6 (base/optimizer/portfolio/live) via viper, with environment-variable
// overrides under the TRADING_ prefix. No teacher file grounds this
// package — viper was a dead dependency in the teacher's go.mod — so it is
// newly written directly against viper's documented API, matching the
// config struct shapes already declared in pkg/types/config.go.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const envPrefix = "TRADING"

// newViper constructs a viper instance pre-wired for one TOML file plus
// TRADING_-prefixed, double-underscore-nested environment overrides, e.g.
// TRADING_RISK__STOP_LOSS_PCT overrides risk.stop_loss_pct.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()
	return v
}

var decimalType = reflect.TypeOf(decimal.Decimal{})
var timeType = reflect.TypeOf(time.Time{})

// decimalHook converts a TOML string or float into decimal.Decimal, since
// mapstructure has no built-in for it.
func decimalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	default:
		return data, nil
	}
}

// timeHook parses TOML datetimes (already time.Time via viper's go-toml
// decoder) or bare "2006-01-02" date strings into time.Time.
func timeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	switch v := data.(type) {
	case time.Time:
		return v, nil
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, nil
		}
		return time.Parse("2006-01-02", v)
	default:
		return data, nil
	}
}

// decodeHooks composes the custom type conversions mapstructure needs
// beyond its built-ins, alongside viper's default string-to-duration hook.
func decodeHooks() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		decimalHook,
		timeHook,
	))
}

func load[T any](path string) (*T, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	var cfg T
	if err := v.Unmarshal(&cfg, decodeHooks()); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", path, err)
	}
	return &cfg, nil
}

// LoadBase loads base.toml into a BaseConfig.
func LoadBase(path string) (*types.BaseConfig, error) { return load[types.BaseConfig](path) }

// LoadOptimizer loads an optimizer.toml into an OptimizerConfig.
func LoadOptimizer(path string) (*types.OptimizerConfig, error) {
	return load[types.OptimizerConfig](path)
}

// LoadPortfolio loads a portfolio.toml into a PortfolioConfig.
func LoadPortfolio(path string) (*types.PortfolioConfig, error) {
	return load[types.PortfolioConfig](path)
}

// LoadLive loads a live.toml into a LiveConfig.
func LoadLive(path string) (*types.LiveConfig, error) { return load[types.LiveConfig](path) }

// LoadServer loads the serve subcommand's ServerConfig, falling back to
// sane defaults if addr/timeouts are absent from the config file's
// [server] section.
func LoadServer(path string) (*types.ServerConfig, error) {
	file, err := load[struct {
		Server types.ServerConfig `mapstructure:"server"`
	}](path)
	if err != nil {
		return nil, err
	}
	cfg := &file.Server
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return cfg, nil
}
