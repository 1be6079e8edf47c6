package data

import (
	"context"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/measure"
	"github.com/fpawel/freqmeter/internal/pkg"
)

type Measurement struct {
	Tm      float64 `db:"tm"` // julian day
	Device  string  `db:"device"`
	Channel int     `db:"channel"`
	Signal  string  `db:"signal"`
	Value   float64 `db:"value"`
}

func (x Measurement) Time() time.Time {
	return pkg.JulianToTime(x.Tm)
}

// SaveBatch stores one row per device and signal of the batch. All rows of a
// batch share the batch time.
func (x *Store) SaveBatch(b measure.Batch) error {
	if len(b.Samples) == 0 {
		return nil
	}
	tx, err := x.db.Beginx()
	if err != nil {
		return merry.Wrap(err)
	}
	stmt, err := tx.Preparex(`INSERT INTO measurement(tm, device, channel, signal, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return merry.Wrap(err)
	}
	tm := pkg.TimeToJulian(b.Time)
	for device, s := range b.Samples {
		for i, v := range s.Values {
			if i >= len(s.Signals) {
				break
			}
			if _, err := stmt.Exec(tm, device, s.Channel, s.Signals[i], v); err != nil {
				_ = stmt.Close()
				_ = tx.Rollback()
				return merry.Appendf(err, "device %s tick %d", device, b.Tick)
			}
		}
	}
	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return merry.Wrap(err)
	}
	return merry.Wrap(tx.Commit())
}

// ListMeasurements returns the measurements of device taken since the given
// time, oldest first.
func (x *Store) ListMeasurements(ctx context.Context, device string, since time.Time) (xs []Measurement, err error) {
	err = x.db.SelectContext(ctx, &xs,
		`SELECT tm, device, channel, signal, value FROM measurement WHERE device = ? AND tm >= ? ORDER BY tm, rowid`,
		device, pkg.TimeToJulian(since))
	return
}

// DeleteMeasurements drops the measurements taken before t.
func (x *Store) DeleteMeasurements(ctx context.Context, before time.Time) (int64, error) {
	r, err := x.db.ExecContext(ctx, `DELETE FROM measurement WHERE tm < ?`, pkg.TimeToJulian(before))
	if err != nil {
		return 0, merry.Wrap(err)
	}
	return r.RowsAffected()
}
