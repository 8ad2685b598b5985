package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"portfolio-trader/internal/domain"
	"portfolio-trader/internal/store"
)

// Journal 负责订单与成交的持久化留痕，以及每日净值快照。
// 成交记录只追加不修改，订单记录随状态变化更新。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// New 初始化交易日志，创建所需表结构。
func New(st *store.Store, logger *zap.Logger) (*Journal, error) {
	if st == nil {
		return nil, fmt.Errorf("journal: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{
		db:     st.DB(),
		logger: logger,
	}

	if err := j.initSchema(); err != nil {
		return nil, err
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	client_order_id TEXT,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	kind TEXT NOT NULL,
	quantity REAL NOT NULL,
	limit_price REAL,
	stop_price REAL,
	status TEXT NOT NULL,
	filled_qty REAL NOT NULL DEFAULT 0,
	filled_avg_price REAL NOT NULL DEFAULT 0,
	commission REAL NOT NULL DEFAULT 0,
	slippage REAL NOT NULL DEFAULT 0,
	trigger_tag TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity REAL NOT NULL,
	price REAL NOT NULL,
	commission REAL NOT NULL DEFAULT 0,
	slippage REAL NOT NULL DEFAULT 0,
	executed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);

CREATE TABLE IF NOT EXISTS daily_snapshots (
	snapshot_date TEXT PRIMARY KEY,
	equity REAL NOT NULL,
	cash REAL NOT NULL,
	portfolio_value REAL NOT NULL,
	daily_return REAL NOT NULL DEFAULT 0,
	cumulative_return REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
`
	if _, err := j.db.Exec(stmt); err != nil {
		return fmt.Errorf("journal: 初始化表失败: %w", err)
	}
	return nil
}

// RecordOrder 写入或更新订单记录。同一订单的每次状态变化覆盖前值。
func (j *Journal) RecordOrder(ctx context.Context, order *domain.Order) error {
	if order == nil {
		return fmt.Errorf("journal: 订单不能为空")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := j.db.ExecContext(ctx, `
INSERT INTO orders (id, client_order_id, symbol, side, kind, quantity, limit_price, stop_price,
	status, filled_qty, filled_avg_price, commission, slippage, trigger_tag, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	filled_qty = excluded.filled_qty,
	filled_avg_price = excluded.filled_avg_price,
	commission = excluded.commission,
	slippage = excluded.slippage,
	updated_at = excluded.updated_at`,
		order.ID, order.Request.ClientOrderID, order.Symbol(), string(order.Side()),
		string(order.Request.Kind), order.Request.Quantity,
		order.Request.LimitPrice, order.Request.StopPrice,
		string(order.Status), order.FilledQty, order.FilledAvgPrice,
		order.Commission, order.Slippage, string(order.Request.Trigger),
		order.CreatedAt.UTC().Format(time.RFC3339), now,
	)
	if err != nil {
		return fmt.Errorf("journal: 写入订单失败: %w", err)
	}
	return nil
}

// RecordTrade 追加一条成交记录。
func (j *Journal) RecordTrade(ctx context.Context, trade domain.Trade) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO trades (id, order_id, symbol, side, quantity, price, commission, slippage, executed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.ID, trade.OrderID, trade.Symbol, string(trade.Side),
		trade.Quantity, trade.Price, trade.Commission, trade.Slippage,
		trade.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("journal: 写入成交失败: %w", err)
	}
	return nil
}

// DailySnapshot 为单日净值记录。
type DailySnapshot struct {
	Date             string
	Equity           float64
	Cash             float64
	PortfolioValue   float64
	DailyReturn      float64
	CumulativeReturn float64
}

// SnapshotDaily 记录当日净值。日收益率由上一条快照推导，
// 累计收益率由首条快照推导。同日重复快照覆盖前值。
func (j *Journal) SnapshotDaily(ctx context.Context, date time.Time, account domain.AccountInfo) (DailySnapshot, error) {
	snap := DailySnapshot{
		Date:           date.UTC().Format("2006-01-02"),
		Equity:         account.Equity,
		Cash:           account.Cash,
		PortfolioValue: account.PortfolioValue,
	}

	var prevEquity, firstEquity float64
	err := j.db.QueryRowContext(ctx, `
SELECT equity FROM daily_snapshots WHERE snapshot_date < ? ORDER BY snapshot_date DESC LIMIT 1`,
		snap.Date).Scan(&prevEquity)
	if err != nil && err != sql.ErrNoRows {
		return DailySnapshot{}, fmt.Errorf("journal: 查询前一快照失败: %w", err)
	}
	if prevEquity > 0 {
		snap.DailyReturn = snap.Equity/prevEquity - 1
	}

	err = j.db.QueryRowContext(ctx, `
SELECT equity FROM daily_snapshots WHERE snapshot_date < ? ORDER BY snapshot_date ASC LIMIT 1`,
		snap.Date).Scan(&firstEquity)
	if err != nil && err != sql.ErrNoRows {
		return DailySnapshot{}, fmt.Errorf("journal: 查询首条快照失败: %w", err)
	}
	if firstEquity > 0 {
		snap.CumulativeReturn = snap.Equity/firstEquity - 1
	}

	_, err = j.db.ExecContext(ctx, `
INSERT INTO daily_snapshots (snapshot_date, equity, cash, portfolio_value, daily_return, cumulative_return, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(snapshot_date) DO UPDATE SET
	equity = excluded.equity,
	cash = excluded.cash,
	portfolio_value = excluded.portfolio_value,
	daily_return = excluded.daily_return,
	cumulative_return = excluded.cumulative_return`,
		snap.Date, snap.Equity, snap.Cash, snap.PortfolioValue,
		snap.DailyReturn, snap.CumulativeReturn,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return DailySnapshot{}, fmt.Errorf("journal: 写入快照失败: %w", err)
	}

	j.logger.Info("记录每日净值快照",
		zap.String("date", snap.Date),
		zap.Float64("equity", snap.Equity),
		zap.Float64("daily_return", snap.DailyReturn),
	)
	return snap, nil
}

// ListTrades 按时间倒序检索成交记录，symbol 为空时不过滤。
func (j *Journal) ListTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, order_id, symbol, side, quantity, price, commission, slippage, executed_at FROM trades`
	args := make([]interface{}, 0, 2)
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY executed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: 查询成交失败: %w", err)
	}
	defer rows.Close()

	trades := make([]domain.Trade, 0, limit)
	for rows.Next() {
		var (
			trade    domain.Trade
			side     string
			executed string
		)
		if scanErr := rows.Scan(&trade.ID, &trade.OrderID, &trade.Symbol, &side,
			&trade.Quantity, &trade.Price, &trade.Commission, &trade.Slippage, &executed); scanErr != nil {
			return nil, fmt.Errorf("journal: 解析成交失败: %w", scanErr)
		}
		trade.Side = domain.Side(side)
		if ts, parseErr := time.Parse(time.RFC3339, executed); parseErr == nil {
			trade.Timestamp = ts
		}
		trades = append(trades, trade)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: 读取成交失败: %w", err)
	}
	return trades, nil
}

// ListSnapshots 按日期升序返回最近的净值快照。
func (j *Journal) ListSnapshots(ctx context.Context, limit int) ([]DailySnapshot, error) {
	if limit <= 0 {
		limit = 30
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT snapshot_date, equity, cash, portfolio_value, daily_return, cumulative_return
FROM (
	SELECT * FROM daily_snapshots ORDER BY snapshot_date DESC LIMIT ?
) ORDER BY snapshot_date ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: 查询快照失败: %w", err)
	}
	defer rows.Close()

	snaps := make([]DailySnapshot, 0, limit)
	for rows.Next() {
		var snap DailySnapshot
		if scanErr := rows.Scan(&snap.Date, &snap.Equity, &snap.Cash, &snap.PortfolioValue,
			&snap.DailyReturn, &snap.CumulativeReturn); scanErr != nil {
			return nil, fmt.Errorf("journal: 解析快照失败: %w", scanErr)
		}
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: 读取快照失败: %w", err)
	}
	return snaps, nil
}
