package pkg

import "time"

// TimeToJulian returns the julian day number of t including the fraction of
// the day, in the form sqlite's julianday() produces. t is taken in UTC.
func TimeToJulian(t time.Time) float64 {
	t = t.UTC()
	a := (14 - int(t.Month())) / 12
	y := t.Year() + 4800 - a
	m := int(t.Month()) + 12*a - 3

	jdn := t.Day() + (153*m+2)/5 + 365*y + y/4 - y/100 + y/400 - 32045

	sec := float64(t.Second()) + float64(t.Nanosecond())/1e9
	frac := (float64(t.Hour())-12)/24 + float64(t.Minute())/1440 + sec/86400

	return float64(jdn) + frac
}

// JulianToTime is the inverse of TimeToJulian, in local time.
func JulianToTime(julianDay float64) time.Time {
	// shift by half a day so the integral part starts at midnight
	jdn, jdf := intDec(julianDay + 0.5)
	year, month, day := julianDateToGregorian(int(jdn))
	ns := int64(jdf*86400*1e9 + 0.5)
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).
		Add(time.Duration(ns)).
		Local()
}

func intDec(v float64) (Int, Dec float64) {
	Int = float64(int64(v))
	Dec = v - Int
	return
}

func julianDateToGregorian(jdn int) (year int, month time.Month, day int) {
	a := jdn + 32044
	b := (4*a + 3) / 146097
	c := a - (146097*b)/4
	d := (4*c + 3) / 1461
	e := c - (1461*d)/4
	m := (5*e + 2) / 153

	day = e - (153*m+2)/5 + 1
	month = time.Month(m + 3 - 12*(m/10))
	year = 100*b + d - 4800 + m/10

	return
}
