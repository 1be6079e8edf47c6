package data

import (
	"context"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/journal"
	"github.com/fpawel/freqmeter/internal/pkg"
)

type JournalEntry struct {
	ID       int64         `db:"entry_id"`
	StoredAt float64       `db:"stored_at"`
	Level    journal.Level `db:"level"`
	Text     string        `db:"text"`
}

func (x JournalEntry) Record() journal.Record {
	return journal.Record{
		Time:  pkg.JulianToTime(x.StoredAt),
		Level: x.Level,
		Text:  x.Text,
	}
}

// AddJournalRecord is a journal handler: register it with Journal.Notify to
// keep the operator journal in the database.
func (x *Store) AddJournalRecord(r journal.Record) {
	_, err := x.db.Exec(`INSERT INTO journal_entry(stored_at, level, text) VALUES (?, ?, ?)`,
		pkg.TimeToJulian(r.Time), r.Level, r.Text)
	if err != nil {
		x.log.PrintErr(merry.Append(err, "add journal record"), "text", r.Text)
	}
}

// ListJournalDays returns the days having journal records, latest first.
func (x *Store) ListJournalDays(ctx context.Context) ([]time.Time, error) {
	var xs []string
	err := x.db.SelectContext(ctx, &xs,
		`SELECT DISTINCT date(stored_at) AS day FROM journal_entry ORDER BY day DESC`)
	if err != nil {
		return nil, merry.Wrap(err)
	}
	days := make([]time.Time, 0, len(xs))
	for _, s := range xs {
		t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
		if err != nil {
			return nil, merry.Wrap(err)
		}
		days = append(days, t)
	}
	return days, nil
}

// ListJournal returns the records of the UTC day of t, oldest first.
func (x *Store) ListJournal(ctx context.Context, t time.Time) (xs []JournalEntry, err error) {
	err = x.db.SelectContext(ctx, &xs,
		`SELECT entry_id, stored_at, level, text FROM journal_entry
WHERE date(stored_at) = ? ORDER BY stored_at, entry_id`, t.UTC().Format("2006-01-02"))
	return
}
