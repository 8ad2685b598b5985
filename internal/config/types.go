package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Paper     PaperConfig     `mapstructure:"paper"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Sizing    SizingConfig    `mapstructure:"sizing"`
	Rebalance RebalanceConfig `mapstructure:"rebalance"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述券商连接信息。Mode 为 paper 时使用内置模拟撮合。
type BrokerConfig struct {
	Mode      string      `mapstructure:"mode"` // paper | alpaca
	APIKey    string      `mapstructure:"api_key"`
	APISecret string      `mapstructure:"api_secret"`
	BaseURL   string      `mapstructure:"base_url"`
	Retry     RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制只读调用的重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// PaperConfig 控制模拟券商的资金与成交模型。
type PaperConfig struct {
	InitialCash        float64 `mapstructure:"initial_cash"`
	CommissionPerTrade float64 `mapstructure:"commission_per_trade"`
	CommissionPerShare float64 `mapstructure:"commission_per_share"`
	ImpactCoefficient  float64 `mapstructure:"impact_coefficient"`
	DefaultSpreadBps   float64 `mapstructure:"default_spread_bps"`
	DefaultADV         float64 `mapstructure:"default_adv"`
}

// RiskConfig 管理事前风控参数。
type RiskConfig struct {
	MaxPositionPct     float64       `mapstructure:"max_position_pct"`
	MaxSectorPct       float64       `mapstructure:"max_sector_pct"`
	CashBufferPct      float64       `mapstructure:"cash_buffer_pct"`
	DuplicateWindow    time.Duration `mapstructure:"duplicate_window"`
	MaxOrdersPerMinute int           `mapstructure:"max_orders_per_minute"`
	PDTEquityThreshold float64       `mapstructure:"pdt_equity_threshold"`
}

// ExecutionConfig 控制拆单与路由行为。
type ExecutionConfig struct {
	ParticipationThreshold float64 `mapstructure:"participation_threshold"`
	DefaultSlices          int     `mapstructure:"default_slices"`
	WindowMinutes          int     `mapstructure:"window_minutes"`
	DefaultUrgency         float64 `mapstructure:"default_urgency"`
	LimitBufferBps         float64 `mapstructure:"limit_buffer_bps"`
}

// SizingConfig 控制仓位分配算法的共享约束。
type SizingConfig struct {
	MinPositionValue float64 `mapstructure:"min_position_value"`
	MinScore         float64 `mapstructure:"min_score"`
	TargetVolatility float64 `mapstructure:"target_volatility"`
	KellyFraction    float64 `mapstructure:"kelly_fraction"`
}

// RebalanceConfig 控制再平衡触发与交易生成。
type RebalanceConfig struct {
	Frequency      time.Duration `mapstructure:"frequency"`
	CalendarSpec   string        `mapstructure:"calendar_spec"`
	DriftThreshold float64       `mapstructure:"drift_threshold"`
	StopLossPct    float64       `mapstructure:"stop_loss_pct"`
	MinTradeValue  float64       `mapstructure:"min_trade_value"`
	MaxTrades      int           `mapstructure:"max_trades"`
	EntryScore     float64       `mapstructure:"entry_score"`
	ExitScore      float64       `mapstructure:"exit_score"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	PriceInterval time.Duration `mapstructure:"price_interval"`
	SnapshotSpec  string        `mapstructure:"snapshot_spec"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	mode := strings.ToLower(strings.TrimSpace(c.Broker.Mode))
	switch mode {
	case "paper":
	case "alpaca":
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			err = multierr.Append(err, errors.New("alpaca 模式需要配置 broker.api_key 与 broker.api_secret"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("broker.mode 取值非法: %q", c.Broker.Mode))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}

	if c.Paper.InitialCash <= 0 {
		err = multierr.Append(err, errors.New("paper.initial_cash 必须大于0"))
	}
	if c.Paper.CommissionPerTrade < 0 || c.Paper.CommissionPerShare < 0 {
		err = multierr.Append(err, errors.New("paper 佣金参数不能为负"))
	}
	if c.Paper.ImpactCoefficient < 0 {
		err = multierr.Append(err, errors.New("paper.impact_coefficient 不能为负"))
	}
	if c.Paper.DefaultSpreadBps < 0 {
		err = multierr.Append(err, errors.New("paper.default_spread_bps 不能为负"))
	}
	if c.Paper.DefaultADV <= 0 {
		err = multierr.Append(err, errors.New("paper.default_adv 必须大于0"))
	}

	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		err = multierr.Append(err, errors.New("risk.max_position_pct 必须位于(0,1]"))
	}
	if c.Risk.MaxSectorPct <= 0 || c.Risk.MaxSectorPct > 1 {
		err = multierr.Append(err, errors.New("risk.max_sector_pct 必须位于(0,1]"))
	}
	if c.Risk.MaxSectorPct < c.Risk.MaxPositionPct {
		err = multierr.Append(err, errors.New("risk.max_sector_pct 不应小于 max_position_pct"))
	}
	if c.Risk.CashBufferPct < 0 || c.Risk.CashBufferPct > 0.5 {
		err = multierr.Append(err, errors.New("risk.cash_buffer_pct 应位于[0,0.5]"))
	}
	if c.Risk.DuplicateWindow <= 0 {
		err = multierr.Append(err, errors.New("risk.duplicate_window 必须大于0"))
	}
	if c.Risk.MaxOrdersPerMinute <= 0 {
		err = multierr.Append(err, errors.New("risk.max_orders_per_minute 必须大于0"))
	}
	if c.Risk.PDTEquityThreshold <= 0 {
		err = multierr.Append(err, errors.New("risk.pdt_equity_threshold 必须大于0"))
	}

	if c.Execution.ParticipationThreshold <= 0 || c.Execution.ParticipationThreshold > 1 {
		err = multierr.Append(err, errors.New("execution.participation_threshold 必须位于(0,1]"))
	}
	if c.Execution.DefaultSlices <= 0 {
		err = multierr.Append(err, errors.New("execution.default_slices 必须大于0"))
	}
	if c.Execution.WindowMinutes <= 0 {
		err = multierr.Append(err, errors.New("execution.window_minutes 必须大于0"))
	}
	if c.Execution.DefaultUrgency < 0 || c.Execution.DefaultUrgency > 1 {
		err = multierr.Append(err, errors.New("execution.default_urgency 必须位于[0,1]"))
	}
	if c.Execution.LimitBufferBps < 0 {
		err = multierr.Append(err, errors.New("execution.limit_buffer_bps 不能为负"))
	}

	if c.Sizing.MinPositionValue < 0 {
		err = multierr.Append(err, errors.New("sizing.min_position_value 不能为负"))
	}
	if c.Sizing.TargetVolatility <= 0 {
		err = multierr.Append(err, errors.New("sizing.target_volatility 必须大于0"))
	}
	if c.Sizing.KellyFraction <= 0 || c.Sizing.KellyFraction > 1 {
		err = multierr.Append(err, errors.New("sizing.kelly_fraction 必须位于(0,1]"))
	}

	if c.Rebalance.Frequency <= 0 {
		err = multierr.Append(err, errors.New("rebalance.frequency 必须大于0"))
	}
	if c.Rebalance.DriftThreshold <= 0 || c.Rebalance.DriftThreshold > 1 {
		err = multierr.Append(err, errors.New("rebalance.drift_threshold 必须位于(0,1]"))
	}
	if c.Rebalance.StopLossPct <= 0 || c.Rebalance.StopLossPct > 1 {
		err = multierr.Append(err, errors.New("rebalance.stop_loss_pct 必须位于(0,1]"))
	}
	if c.Rebalance.MinTradeValue < 0 {
		err = multierr.Append(err, errors.New("rebalance.min_trade_value 不能为负"))
	}
	if c.Rebalance.MaxTrades <= 0 {
		err = multierr.Append(err, errors.New("rebalance.max_trades 必须大于0"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Scheduler.PriceInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.price_interval 必须大于0"))
	}
	if c.Scheduler.SnapshotSpec == "" {
		err = multierr.Append(err, errors.New("scheduler.snapshot_spec 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
