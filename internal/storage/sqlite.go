package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/MatthewMakesMagic/poly-sub012/internal/domain"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// SQLiteStore 是信号的 SQLite 持久化实现。
// 纯 Go 驱动（modernc.org/sqlite），无 cgo 依赖，单文件部署。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开（必要时创建）数据库并完成建表
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "打开 sqlite 失败")
	}
	// sqlite 单写者，多连接只会互相争锁
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite 建表失败")
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS lag_signals (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts_ms INTEGER NOT NULL,
  symbol TEXT NOT NULL,
  spot_price_at_signal REAL NOT NULL,
  spot_move_direction TEXT NOT NULL,
  spot_move_magnitude REAL NOT NULL,
  oracle_price_at_signal REAL NOT NULL,
  predicted_direction TEXT NOT NULL,
  predicted_tau_ms INTEGER NOT NULL,
  correlation_at_tau REAL NOT NULL,
  window_id TEXT,
  outcome_direction TEXT,
  prediction_correct INTEGER,
  pnl REAL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_lag_signals_symbol_ts ON lag_signals(symbol, ts_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_lag_signals_window ON lag_signals(window_id) WHERE window_id IS NOT NULL;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "执行建表语句失败: %s", stmt)
		}
	}
	return nil
}

// InsertBatch 在单个事务内写入一个批次：要么全部提交，要么全部回滚。
// 空批次直接成功。
func (s *SQLiteStore) InsertBatch(ctx context.Context, rows []domain.SignalRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO lag_signals (
  ts_ms, symbol,
  spot_price_at_signal, spot_move_direction, spot_move_magnitude,
  oracle_price_at_signal,
  predicted_direction, predicted_tau_ms, correlation_at_tau,
  window_id, outcome_direction, prediction_correct, pnl,
  created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "预编译插入语句失败")
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i := range rows {
		r := &rows[i]
		var correct *int64
		if r.PredictionCorrect != nil {
			v := int64(0)
			if *r.PredictionCorrect {
				v = 1
			}
			correct = &v
		}
		if _, err := stmt.ExecContext(ctx,
			r.TimestampMs, r.Symbol,
			r.SpotPriceAtSignal, r.SpotMoveDirection, r.SpotMoveMagnitude,
			r.OraclePriceAtSignal,
			r.PredictedDirection, r.PredictedTauMs, r.CorrelationAtTau,
			r.WindowID, nullIfEmpty(r.OutcomeDirection), correct, r.PnL,
			now,
		); err != nil {
			return errors.Wrapf(err, "插入信号行失败 symbol=%s ts=%d", r.Symbol, r.TimestampMs)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "提交事务失败")
	}
	return nil
}

// Count 返回某标的已持久化的信号条数（symbol 为空时统计全表）
func (s *SQLiteStore) Count(ctx context.Context, symbol string) (int64, error) {
	var n int64
	var err error
	if symbol == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lag_signals`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lag_signals WHERE symbol = ?`, symbol).Scan(&n)
	}
	if err != nil {
		return 0, errors.Wrap(err, "统计信号条数失败")
	}
	return n, nil
}

// Close 关闭底层数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
