package calib

import (
	"context"
	"fmt"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/freqmeter"
)

type FineResult struct {
	Target   string
	Count    int
	GateTime time.Duration
	Channel  int
	Polls    int
	Status   freqmeter.CDTStatus
	Success  bool
	Values   freqmeter.CDTResult // set on success
	Started  time.Time
	Finished time.Time
}

// FineProgress is the state of a fine session after one poll. Err holds a
// transient poll failure; the session keeps running.
type FineProgress struct {
	Poll    int
	Status  freqmeter.CDTStatus
	Err     error
	Done    bool
	Success bool
}

type fineSession struct {
	target  Device
	count   int
	started time.Time
	polls   int
	status  freqmeter.CDTStatus
	success bool
	values  freqmeter.CDTResult
}

// StartFine arms the code density test on the target.
func (x *Controller) StartFine(target Device, count int) error {
	x.lock()
	defer x.unlock()
	if err := x.checkIdle(); err != nil {
		return err
	}
	if count < 1 {
		return merry.Appendf(ErrCount, "%d", count)
	}
	if err := checkReady(target); err != nil {
		return err
	}
	if err := target.CDTStart(x.cfg.FineGateTime, count, x.cfg.FineChannel); err != nil {
		return err
	}
	x.state = FineRunning
	x.fine = &fineSession{
		target:  target,
		count:   count,
		started: x.now(),
	}
	x.info(fmt.Sprintf("fine calibration of %s started: %d measurements", target.Name(), count))
	return nil
}

// PollFine asks the instrument once for the test status. Done reads the
// results and ends the session with success, Error ends it with failure.
func (x *Controller) PollFine() (FineProgress, error) {
	x.lock()
	defer x.unlock()
	s := x.fine
	if x.state != FineRunning || s == nil {
		return FineProgress{}, ErrNotRunning.Here()
	}
	s.polls++
	p := FineProgress{Poll: s.polls}

	st, err := s.target.CDTPoll()
	if err != nil {
		x.log.Warn("poll code density test", "poll", s.polls, "error", err)
		p.Err = err
		return p, nil
	}
	s.status, p.Status = st, st

	switch st.State {
	case freqmeter.CDTDone:
		values, err := s.target.CDTValues()
		if err != nil {
			x.err(merry.Append(err, "read code density test results"))
		} else {
			s.success = true
			s.values = values
		}
		r := x.stopFine()
		p.Done, p.Success = true, r.Success
	case freqmeter.CDTError:
		x.err(merry.Errorf("%s: code density test failed", s.target.Name()))
		x.stopFine()
		p.Done = true
	case freqmeter.CDTRunning:
		x.info(fmt.Sprintf("code density test: %s left", st.TimeLeft()))
	default:
		x.log.Debug("code density test not started yet", "poll", s.polls)
	}
	return p, nil
}

// StopFine ends the running session. A session stopped before the
// instrument reported completion is a failure.
func (x *Controller) StopFine() (FineResult, error) {
	x.lock()
	defer x.unlock()
	if x.state != FineRunning {
		return FineResult{}, ErrNotRunning.Here()
	}
	return x.stopFine(), nil
}

func (x *Controller) stopFine() FineResult {
	s := x.fine
	r := FineResult{
		Target:   s.target.Name(),
		Count:    s.count,
		GateTime: x.cfg.FineGateTime,
		Channel:  x.cfg.FineChannel,
		Polls:    s.polls,
		Status:   s.status,
		Success:  s.success,
		Values:   s.values,
		Started:  s.started,
		Finished: x.now(),
	}
	x.state = Idle
	x.fine = nil
	x.lastFine = &r
	if r.Success {
		x.info(fmt.Sprintf("fine calibration of %s done: %d bins", r.Target, r.Values.Len()))
		if rec := x.opts.Recorder; rec != nil {
			saved := r
			x.later(func() {
				if err := rec.SaveFine(saved); err != nil {
					x.reportErr(merry.Append(err, "save code density test results"))
				}
			})
		}
	} else {
		x.warn(fmt.Sprintf("fine calibration of %s ended without results", r.Target))
	}
	r.Values = cloneCDT(r.Values)
	return r
}

// RunFine arms the test and polls it every FinePollPeriod until it ends,
// it is stopped from elsewhere or ctx is cancelled.
func (x *Controller) RunFine(ctx context.Context, target Device, count int) (FineResult, error) {
	if err := x.StartFine(target, count); err != nil {
		return FineResult{}, err
	}
	ticker := time.NewTicker(x.cfg.FinePollPeriod)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			p, err := x.PollFine()
			if err != nil || p.Done {
				break loop
			}
		}
	}
	if x.State() == FineRunning {
		return x.StopFine()
	}
	r, _ := x.LastFine()
	return r, nil
}
