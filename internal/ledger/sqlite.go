package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/scalp-bot/internal/types"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens the database at path, creating the parent directory
// when needed, and runs migrations.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); !strings.HasPrefix(path, "file:") && path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create data dir: %w", types.ErrStorage, err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", types.ErrStorage, err)
	}

	// One connection serialises writers; the busy timeout covers other processes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storageErr(ctx, "ping database", err)
	}

	store := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("ledger opened", "backend", "sqlite", "path", path)
	return store, nil
}

// Migrate creates tables and indexes if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			exit_price TEXT,
			stop_loss TEXT NOT NULL DEFAULT '0',
			take_profit TEXT NOT NULL DEFAULT '0',
			leverage INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			pnl TEXT,
			pnl_percentage TEXT,
			opened_at TEXT NOT NULL,
			closed_at TEXT,
			reason TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_opened_at ON trades(opened_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,

		`CREATE TABLE IF NOT EXISTS bot_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return storageErr(ctx, "execute migration", err)
		}
	}

	return nil
}

// CreateTrade inserts a new trade record.
func (s *SQLiteStore) CreateTrade(ctx context.Context, rec types.TradeRecord) (types.TradeRecord, error) {
	rec, err := prepareCreate(rec, s.now())
	if err != nil {
		return types.TradeRecord{}, err
	}

	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return types.TradeRecord{}, err
	}

	query := `
		INSERT INTO trades (id, symbol, side, quantity, entry_price, exit_price, stop_loss,
			take_profit, leverage, status, pnl, pnl_percentage, opened_at, closed_at, reason, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Symbol,
		string(rec.Side),
		rec.Quantity.String(),
		rec.EntryPrice.String(),
		nullDecimalString(rec.ExitPrice),
		rec.StopLoss.String(),
		rec.TakeProfit.String(),
		rec.Leverage,
		string(rec.Status),
		nullDecimalString(rec.PnL),
		nullDecimalString(rec.PnLPercentage),
		formatTime(rec.OpenedAt),
		nullTimeString(rec.ClosedAt),
		rec.Reason,
		metadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.TradeRecord{}, fmt.Errorf("create trade %s: %w", rec.ID, types.ErrDuplicateKey)
		}
		return types.TradeRecord{}, storageErr(ctx, "insert trade", err)
	}

	return rec, nil
}

// UpdateTrade merges update into the stored trade inside one transaction.
func (s *SQLiteStore) UpdateTrade(ctx context.Context, id string, update types.TradeUpdate) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr(ctx, "begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	rec, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("update trade %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return false, storageErr(ctx, "load trade", err)
	}

	next, changed, err := applyUpdate(rec, update, s.now())
	if err != nil || !changed {
		return false, err
	}

	metadata, err := encodeMetadata(next.Metadata)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE trades SET
			quantity = ?, exit_price = ?, stop_loss = ?, take_profit = ?, status = ?,
			pnl = ?, pnl_percentage = ?, closed_at = ?, reason = ?, metadata = ?
		WHERE id = ?
	`
	_, err = tx.ExecContext(ctx, query,
		next.Quantity.String(),
		nullDecimalString(next.ExitPrice),
		next.StopLoss.String(),
		next.TakeProfit.String(),
		string(next.Status),
		nullDecimalString(next.PnL),
		nullDecimalString(next.PnLPercentage),
		nullTimeString(next.ClosedAt),
		next.Reason,
		metadata,
		id,
	)
	if err != nil {
		return false, storageErr(ctx, "update trade", err)
	}

	if err := tx.Commit(); err != nil {
		return false, storageErr(ctx, "commit", err)
	}
	return true, nil
}

// ListRecentTrades returns up to limit trades, newest first.
func (s *SQLiteStore) ListRecentTrades(ctx context.Context, limit int) ([]types.TradeRecord, error) {
	if limit <= 0 {
		return []types.TradeRecord{}, nil
	}

	query := `SELECT ` + tradeColumns + ` FROM trades ORDER BY opened_at DESC, rowid DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, storageErr(ctx, "query trades", err)
	}
	defer rows.Close()

	trades := make([]types.TradeRecord, 0, limit)
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, storageErr(ctx, "scan trade", err)
		}
		trades = append(trades, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(ctx, "iterate trades", err)
	}

	return trades, nil
}

// GetSetting returns the setting stored under key.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (types.SettingEntry, bool, error) {
	var value, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM bot_settings WHERE key = ?`, key,
	).Scan(&value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SettingEntry{}, false, nil
	}
	if err != nil {
		return types.SettingEntry{}, false, storageErr(ctx, "get setting", err)
	}

	ts, err := parseTime(updatedAt)
	if err != nil {
		return types.SettingEntry{}, false, fmt.Errorf("%w: %w", types.ErrStorage, err)
	}

	return types.SettingEntry{Key: key, Value: []byte(value), UpdatedAt: ts}, true, nil
}

// SetSetting upserts a setting in a single statement.
func (s *SQLiteStore) SetSetting(ctx context.Context, key string, value any) error {
	encoded, err := encodeSetting(key, value)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO bot_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, string(encoded), formatTime(s.now())); err != nil {
		return storageErr(ctx, "set setting", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const tradeColumns = `id, symbol, side, quantity, entry_price, exit_price, stop_loss, take_profit,
	leverage, status, pnl, pnl_percentage, opened_at, closed_at, reason, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (types.TradeRecord, error) {
	var rec types.TradeRecord
	var side, status, openedAt, metadata string
	var quantity, entryPrice, stopLoss, tp string
	var exitPrice, pnl, pnlPct, closedAt sql.NullString

	err := row.Scan(
		&rec.ID, &rec.Symbol, &side, &quantity, &entryPrice, &exitPrice, &stopLoss, &tp,
		&rec.Leverage, &status, &pnl, &pnlPct, &openedAt, &closedAt, &rec.Reason, &metadata,
	)
	if err != nil {
		return rec, err
	}

	rec.Side = types.Side(side)
	rec.Status = types.TradeStatus(status)
	rec.Quantity = decimalOrZero(quantity)
	rec.EntryPrice = decimalOrZero(entryPrice)
	rec.StopLoss = decimalOrZero(stopLoss)
	rec.TakeProfit = decimalOrZero(tp)
	rec.ExitPrice = parseNullDecimal(exitPrice)
	rec.PnL = parseNullDecimal(pnl)
	rec.PnLPercentage = parseNullDecimal(pnlPct)

	if rec.OpenedAt, err = parseTime(openedAt); err != nil {
		return rec, err
	}
	if closedAt.Valid {
		ts, err := parseTime(closedAt.String)
		if err != nil {
			return rec, err
		}
		rec.ClosedAt = &ts
	}
	if rec.Metadata, err = decodeMetadata(metadata); err != nil {
		return rec, err
	}

	return rec, nil
}

func nullDecimalString(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) decimal.NullDecimal {
	if !s.Valid {
		return decimal.NullDecimal{}
	}
	return ptrNullDecimal(&s.String)
}

func nullTimeString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
