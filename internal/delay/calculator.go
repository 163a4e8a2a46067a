// Package delay переводит календарную дату в момент доставки и задержку до него.
// Функции чистые: текущее время передаёт вызывающий.
package delay

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// Result — ближайшее наступление даты и задержка до него.
type Result struct {
	// Target — начало суток ближайшего наступления даты в локации now.
	Target    time.Time
	Delay     time.Duration
	Immediate bool
	Breakdown Breakdown
}

// Millis возвращает задержку в миллисекундах.
func (r Result) Millis() int64 {
	return r.Delay.Milliseconds()
}

// ParseDate принимает только YYYY-MM-DD и возвращает полночь UTC.
func ParseDate(s string) (time.Time, error) {
	if len(s) != len(domain.DateLayout) {
		return time.Time{}, errors.Wrapf(domain.ErrInvalidDate, "%q", s)
	}
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(domain.ErrInvalidDate, "%q", s)
	}
	return t, nil
}

// Until вычисляет ближайшее наступление date относительно now.
// Дата в прошлом сдвигается на целые годы, пока не станет >= сегодня.
// Если дата совпадает с сегодняшним днём, задержка нулевая.
func Until(date, now time.Time) Result {
	loc := now.Location()
	today := startOfDay(now)

	year := date.Year()
	if year < today.Year() {
		year = today.Year()
	}
	target := occurrence(date, year, loc)
	for target.Before(today) {
		year++
		target = occurrence(date, year, loc)
	}

	if target.Equal(today) {
		return Result{Target: today, Immediate: true, Breakdown: Breakdown{DHMS: immediate, Inline: immediate}}
	}

	d := target.Sub(now)
	if d < 0 {
		d = 0
	}
	return Result{Target: target, Delay: d, Immediate: d == 0, Breakdown: NewBreakdown(d)}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// occurrence строит дату в году year; 29 февраля в невисокосный год даёт 28 февраля.
func occurrence(date time.Time, year int, loc *time.Location) time.Time {
	m, d := date.Month(), date.Day()
	if m == time.February && d == 29 && !isLeap(year) {
		d = 28
	}
	return time.Date(year, m, d, 0, 0, 0, 0, loc)
}

func isLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

const immediate = "Immediate"

// Breakdown — разложение задержки для отображения.
type Breakdown struct {
	TotalDays    int64
	TotalHours   int64
	TotalMinutes int64
	TotalSeconds int64

	// Остатки для формата DHMS.
	Hours   int64
	Minutes int64
	Seconds int64

	// Приближённое разложение: год = 365 дней, месяц = 30 дней.
	Years  int64
	Months int64
	Days   int64
	Millis int64
	DHMS   string
	Inline string
}

// NewBreakdown раскладывает длительность на дни, часы, минуты и секунды.
func NewBreakdown(d time.Duration) Breakdown {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	totalSeconds := ms / 1000
	totalMinutes := totalSeconds / 60
	totalHours := totalMinutes / 60
	totalDays := totalHours / 24

	b := Breakdown{
		TotalDays:    totalDays,
		TotalHours:   totalHours,
		TotalMinutes: totalMinutes,
		TotalSeconds: totalSeconds,
		Hours:        totalHours % 24,
		Minutes:      totalMinutes % 60,
		Seconds:      totalSeconds % 60,
		Years:        totalDays / 365,
		Months:       (totalDays % 365) / 30,
		Days:         (totalDays % 365) % 30,
		Millis:       ms % 1000,
	}
	b.DHMS = format([]part{{totalDays, "day"}, {b.Hours, "hour"}, {b.Minutes, "minute"}, {b.Seconds, "second"}})
	b.Inline = format([]part{{b.Years, "year"}, {b.Months, "month"}, {b.Days, "day"}, {b.Hours, "hour"}, {b.Minutes, "minute"}, {b.Seconds, "second"}})
	return b
}

type part struct {
	n    int64
	unit string
}

func format(parts []part) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.n <= 0 {
			continue
		}
		word := p.unit
		if p.n != 1 {
			word += "s"
		}
		out = append(out, strconv.FormatInt(p.n, 10)+" "+word)
	}
	if len(out) == 0 {
		return immediate
	}
	return strings.Join(out, " ")
}
