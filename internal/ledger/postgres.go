package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/scalp-bot/internal/types"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// tradeModel is the gorm mapping of the trades table.
type tradeModel struct {
	ID            string         `gorm:"primaryKey;type:text"`
	Seq           int64          `gorm:"autoIncrement;index"`
	Symbol        string         `gorm:"type:text;not null"`
	Side          string         `gorm:"type:text;not null"`
	Quantity      string         `gorm:"type:text;not null"`
	EntryPrice    string         `gorm:"type:text;not null"`
	ExitPrice     *string        `gorm:"type:text"`
	StopLoss      string         `gorm:"type:text;not null;default:'0'"`
	TakeProfit    string         `gorm:"type:text;not null;default:'0'"`
	Leverage      int            `gorm:"not null;default:1"`
	Status        string         `gorm:"type:text;not null;index"`
	PnL           *string        `gorm:"column:pnl;type:text"`
	PnLPercentage *string        `gorm:"column:pnl_percentage;type:text"`
	OpenedAt      time.Time      `gorm:"not null;index"`
	ClosedAt      *time.Time
	Reason        string         `gorm:"type:text;not null;default:''"`
	Metadata      map[string]any `gorm:"serializer:json;type:text"`
}

func (tradeModel) TableName() string { return "trades" }

// settingModel is the gorm mapping of the bot_settings table.
type settingModel struct {
	Key       string    `gorm:"primaryKey;type:text"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (settingModel) TableName() string { return "bot_settings" }

// PostgresStore implements Store using gorm over PostgreSQL.
type PostgresStore struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore connects to dsn and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string, log *slog.Logger) (*PostgresStore, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %w", types.ErrStorage, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: postgres handle: %w", types.ErrStorage, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, storageErr(ctx, "ping postgres", err)
	}

	store := &PostgresStore{db: db, logger: log, now: time.Now}
	if err := store.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("ledger opened", "backend", "postgres")
	return store, nil
}

// Migrate creates or updates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&tradeModel{}, &settingModel{}); err != nil {
		return storageErr(ctx, "auto migrate", err)
	}
	return nil
}

// CreateTrade inserts a new trade record.
func (s *PostgresStore) CreateTrade(ctx context.Context, rec types.TradeRecord) (types.TradeRecord, error) {
	rec, err := prepareCreate(rec, s.now())
	if err != nil {
		return types.TradeRecord{}, err
	}

	model := newTradeModel(rec)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return types.TradeRecord{}, fmt.Errorf("create trade %s: %w", rec.ID, types.ErrDuplicateKey)
		}
		return types.TradeRecord{}, storageErr(ctx, "insert trade", err)
	}
	return rec, nil
}

// UpdateTrade locks the row, merges update and saves it in one transaction.
func (s *PostgresStore) UpdateTrade(ctx context.Context, id string, update types.TradeUpdate) (bool, error) {
	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model tradeModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("update trade %s: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return storageErr(ctx, "load trade", err)
		}

		next, ok, err := applyUpdate(model.toRecord(), update, s.now())
		if err != nil || !ok {
			return err
		}

		row := newTradeModel(next)
		row.Seq = model.Seq
		if err := tx.Save(&row).Error; err != nil {
			return storageErr(ctx, "update trade", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// ListRecentTrades returns up to limit trades, newest first.
func (s *PostgresStore) ListRecentTrades(ctx context.Context, limit int) ([]types.TradeRecord, error) {
	if limit <= 0 {
		return []types.TradeRecord{}, nil
	}

	var models []tradeModel
	err := s.db.WithContext(ctx).
		Order("opened_at DESC").
		Order("seq DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, storageErr(ctx, "query trades", err)
	}

	trades := make([]types.TradeRecord, 0, len(models))
	for _, m := range models {
		trades = append(trades, m.toRecord())
	}
	return trades, nil
}

// GetSetting returns the setting stored under key.
func (s *PostgresStore) GetSetting(ctx context.Context, key string) (types.SettingEntry, bool, error) {
	var model settingModel
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.SettingEntry{}, false, nil
	}
	if err != nil {
		return types.SettingEntry{}, false, storageErr(ctx, "get setting", err)
	}
	return types.SettingEntry{
		Key:       model.Key,
		Value:     []byte(model.Value),
		UpdatedAt: model.UpdatedAt.UTC(),
	}, true, nil
}

// SetSetting upserts a setting with INSERT ... ON CONFLICT.
func (s *PostgresStore) SetSetting(ctx context.Context, key string, value any) error {
	encoded, err := encodeSetting(key, value)
	if err != nil {
		return err
	}

	model := settingModel{Key: key, Value: string(encoded), UpdatedAt: s.now().UTC()}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return storageErr(ctx, "set setting", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newTradeModel(rec types.TradeRecord) tradeModel {
	return tradeModel{
		ID:            rec.ID,
		Symbol:        rec.Symbol,
		Side:          string(rec.Side),
		Quantity:      rec.Quantity.String(),
		EntryPrice:    rec.EntryPrice.String(),
		ExitPrice:     nullDecimalPtr(rec.ExitPrice),
		StopLoss:      rec.StopLoss.String(),
		TakeProfit:    rec.TakeProfit.String(),
		Leverage:      rec.Leverage,
		Status:        string(rec.Status),
		PnL:           nullDecimalPtr(rec.PnL),
		PnLPercentage: nullDecimalPtr(rec.PnLPercentage),
		OpenedAt:      rec.OpenedAt,
		ClosedAt:      rec.ClosedAt,
		Reason:        rec.Reason,
		Metadata:      rec.Metadata,
	}
}

func (m tradeModel) toRecord() types.TradeRecord {
	rec := types.TradeRecord{
		ID:            m.ID,
		Symbol:        m.Symbol,
		Side:          types.Side(m.Side),
		Quantity:      decimalOrZero(m.Quantity),
		EntryPrice:    decimalOrZero(m.EntryPrice),
		ExitPrice:     ptrNullDecimal(m.ExitPrice),
		StopLoss:      decimalOrZero(m.StopLoss),
		TakeProfit:    decimalOrZero(m.TakeProfit),
		Leverage:      m.Leverage,
		Status:        types.TradeStatus(m.Status),
		PnL:           ptrNullDecimal(m.PnL),
		PnLPercentage: ptrNullDecimal(m.PnLPercentage),
		OpenedAt:      m.OpenedAt.UTC(),
		Reason:        m.Reason,
		Metadata:      m.Metadata,
	}
	if m.ClosedAt != nil {
		closedAt := m.ClosedAt.UTC()
		rec.ClosedAt = &closedAt
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	return rec
}

func nullDecimalPtr(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func ptrNullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
