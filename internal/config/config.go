package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "trader"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.mode", "paper")
	v.SetDefault("broker.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.retry.max_attempts", 3)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")

	v.SetDefault("paper.initial_cash", 100000)
	v.SetDefault("paper.commission_per_trade", 0)
	v.SetDefault("paper.commission_per_share", 0.005)
	v.SetDefault("paper.impact_coefficient", 0.1)
	v.SetDefault("paper.default_spread_bps", 5)
	v.SetDefault("paper.default_adv", 1000000)

	v.SetDefault("risk.max_position_pct", 0.10)
	v.SetDefault("risk.max_sector_pct", 0.30)
	v.SetDefault("risk.cash_buffer_pct", 0.02)
	v.SetDefault("risk.duplicate_window", "30s")
	v.SetDefault("risk.max_orders_per_minute", 30)
	v.SetDefault("risk.pdt_equity_threshold", 25000)

	v.SetDefault("execution.participation_threshold", 0.01)
	v.SetDefault("execution.default_slices", 10)
	v.SetDefault("execution.window_minutes", 390)
	v.SetDefault("execution.default_urgency", 0.5)
	v.SetDefault("execution.limit_buffer_bps", 10)

	v.SetDefault("sizing.min_position_value", 1000)
	v.SetDefault("sizing.min_score", 0)
	v.SetDefault("sizing.target_volatility", 0.15)
	v.SetDefault("sizing.kelly_fraction", 0.5)

	v.SetDefault("rebalance.frequency", "720h")
	v.SetDefault("rebalance.calendar_spec", "0 10 * * 1-5")
	v.SetDefault("rebalance.drift_threshold", 0.05)
	v.SetDefault("rebalance.stop_loss_pct", 0.08)
	v.SetDefault("rebalance.min_trade_value", 500)
	v.SetDefault("rebalance.max_trades", 40)
	v.SetDefault("rebalance.entry_score", 0.3)
	v.SetDefault("rebalance.exit_score", 0.1)

	v.SetDefault("database.path", "data/trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.price_interval", "1m")
	v.SetDefault("scheduler.snapshot_spec", "5 16 * * 1-5")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
