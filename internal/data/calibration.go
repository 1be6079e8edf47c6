package data

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/calib"
	"github.com/fpawel/freqmeter/internal/freqmeter"
	"github.com/fpawel/freqmeter/internal/pkg"
)

type CoarseCalibration struct {
	ID         int64           `db:"coarse_calibration_id"`
	CreatedAt  float64         `db:"created_at"`
	Target     string          `db:"target"`
	Reference  string          `db:"reference"`
	M          float64         `db:"m"`
	StdDev     sql.NullFloat64 `db:"std_dev"`
	Samples    int             `db:"samples"`
	Success    bool            `db:"success"`
	StartedAt  float64         `db:"started_at"`
	FinishedAt float64         `db:"finished_at"`
}

type CDTRun struct {
	ID           int64   `db:"cdt_run_id"`
	CreatedAt    float64 `db:"created_at"`
	Device       string  `db:"device"`
	Measurements int     `db:"measurements"`
	GateTime     float64 `db:"gate_time"` // seconds
	Channel      int     `db:"channel"`
	Polls        int     `db:"polls"`
	StartedAt    float64 `db:"started_at"`
	FinishedAt   float64 `db:"finished_at"`

	Values freqmeter.CDTResult `db:"-"`
}

func (x CDTRun) Finished() time.Time {
	return pkg.JulianToTime(x.FinishedAt)
}

func (x *Store) SaveCoarse(r calib.CoarseResult) error {
	std := sql.NullFloat64{Float64: r.StdDev, Valid: !math.IsNaN(r.StdDev)}
	_, err := x.db.Exec(`
INSERT INTO coarse_calibration(target, reference, m, std_dev, samples, success, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Target, r.Reference, r.M, std, r.Samples, r.Success,
		pkg.TimeToJulian(r.Started), pkg.TimeToJulian(r.Finished))
	if err != nil {
		return merry.Appendf(err, "coarse calibration of %s", r.Target)
	}
	x.log.Info("coarse calibration saved", "target", r.Target, "M", r.M, "success", r.Success)
	return nil
}

// ListCoarse returns the coarse calibrations of target, latest first. An
// empty target lists every device.
func (x *Store) ListCoarse(ctx context.Context, target string) (xs []CoarseCalibration, err error) {
	const q = `SELECT * FROM coarse_calibration WHERE ? = '' OR target = ? ORDER BY coarse_calibration_id DESC`
	err = x.db.SelectContext(ctx, &xs, q, target, target)
	return
}

// SaveFine implements calib.Recorder.
func (x *Store) SaveFine(r calib.FineResult) error {
	_, err := x.SaveCDT(r)
	return err
}

// SaveCDT stores a code density test run with its values and returns the
// run id.
func (x *Store) SaveCDT(r calib.FineResult) (int64, error) {
	tx, err := x.db.Beginx()
	if err != nil {
		return 0, merry.Wrap(err)
	}
	res, err := tx.Exec(`
INSERT INTO cdt_run(device, measurements, gate_time, channel, polls, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Target, r.Count, r.GateTime.Seconds(), r.Channel, r.Polls,
		pkg.TimeToJulian(r.Started), pkg.TimeToJulian(r.Finished))
	if err != nil {
		_ = tx.Rollback()
		return 0, merry.Appendf(err, "code density test of %s", r.Target)
	}
	runID, err := pkg.SqlGetNewInsertedID(res)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	for i := 0; i < r.Values.Len(); i++ {
		if _, err := tx.Exec(`INSERT INTO cdt_value(cdt_run_id, bin, cdt, dnl, inl) VALUES (?, ?, ?, ?, ?)`,
			runID, i, r.Values.CDT[i], r.Values.DNL[i], r.Values.INL[i]); err != nil {
			_ = tx.Rollback()
			return 0, merry.Appendf(err, "code density test of %s: bin %d", r.Target, i)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, merry.Wrap(err)
	}
	x.log.Info("code density test saved", "device", r.Target, "run", runID, "bins", r.Values.Len())
	return runID, nil
}

func (x *Store) GetCDT(ctx context.Context, runID int64) (CDTRun, error) {
	var run CDTRun
	if err := x.db.GetContext(ctx, &run, `SELECT * FROM cdt_run WHERE cdt_run_id = ?`, runID); err != nil {
		return CDTRun{}, merry.Appendf(err, "code density test run %d", runID)
	}
	var values []struct {
		CDT float64 `db:"cdt"`
		DNL float64 `db:"dnl"`
		INL float64 `db:"inl"`
	}
	if err := x.db.SelectContext(ctx, &values,
		`SELECT cdt, dnl, inl FROM cdt_value WHERE cdt_run_id = ? ORDER BY bin`, runID); err != nil {
		return CDTRun{}, merry.Wrap(err)
	}
	for _, v := range values {
		run.Values.CDT = append(run.Values.CDT, v.CDT)
		run.Values.DNL = append(run.Values.DNL, v.DNL)
		run.Values.INL = append(run.Values.INL, v.INL)
	}
	return run, nil
}

// ListCDT returns the runs of device without their values, latest first.
func (x *Store) ListCDT(ctx context.Context, device string) (xs []CDTRun, err error) {
	err = x.db.SelectContext(ctx, &xs,
		`SELECT * FROM cdt_run WHERE device = ? ORDER BY cdt_run_id DESC`, device)
	return
}
