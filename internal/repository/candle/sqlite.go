package candle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ahmethakanbesel/candle-collector/internal/market"
)

const timeFormat = "2006-01-02T15:04:05Z"

// Repository is the candle sink backed by the candles table.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Store saves candles, ignoring ones already present.
func (r *Repository) Store(ctx context.Context, symbol string, tf market.Timeframe, candles []market.Candle) error {
	_, err := r.SaveCandles(ctx, symbol, tf, candles)
	return err
}

// SaveCandles inserts candles in chunks within one transaction and returns
// how many were new. A failed chunk rolls back the whole batch.
func (r *Repository) SaveCandles(ctx context.Context, symbol string, tf market.Timeframe, candles []market.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("save candles: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const chunkSize = 500
	var total int64

	for i := 0; i < len(candles); i += chunkSize {
		end := min(i+chunkSize, len(candles))
		chunk := candles[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*10)
		for j, c := range chunk {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			args = append(args, symbol, string(tf), c.Time.UTC().Format(timeFormat),
				c.Open, c.High, c.Low, c.Close, c.TickVolume, c.Spread, c.RealVolume)
		}

		query := fmt.Sprintf( //nolint:gosec // placeholders are not user input
			`INSERT OR IGNORE INTO candles (symbol, timeframe, time, open, high, low, close,
			tick_volume, spread, real_volume) VALUES %s`,
			strings.Join(placeholders, ", "),
		)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("save candles: %w", err)
		}

		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("save candles: commit: %w", err)
	}
	return total, nil
}

// ListCandles returns candles in [from, to) ordered by time.
func (r *Repository) ListCandles(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time) ([]market.Candle, error) {
	const query = `SELECT time, open, high, low, close, tick_volume, spread, real_volume
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND time >= ? AND time < ?
		ORDER BY time ASC`

	rows, err := r.db.QueryContext(ctx, query, symbol, string(tf),
		from.UTC().Format(timeFormat), to.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("list candles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candles []market.Candle
	for rows.Next() {
		var c market.Candle
		var ts string
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.TickVolume, &c.Spread, &c.RealVolume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.Time, _ = time.Parse(timeFormat, ts)
		candles = append(candles, c)
	}

	return candles, rows.Err()
}
