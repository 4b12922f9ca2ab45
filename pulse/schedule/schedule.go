package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/warden/errors"
)

// ErrInvalidSchedule marks every schedule validation failure.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Kind tags the Schedule variant.
type Kind int

const (
	KindCron Kind = iota + 1
	KindInterval
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindOnce:
		return "once"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "cron":
		return KindCron, nil
	case "interval":
		return KindInterval, nil
	case "once":
		return KindOnce, nil
	default:
		return 0, errors.Mark(errors.Newf("unknown schedule kind %q", s), ErrInvalidSchedule)
	}
}

// Standard five fields, an optional leading seconds field, @descriptors
// (@daily, @every 1h) and a CRON_TZ= prefix.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule says when a job fires. It is one of Cron, Interval or Once and is
// immutable once built. Times are kept in UTC at millisecond precision, the
// precision they are stored with.
type Schedule struct {
	kind       Kind
	expr       string
	period     time.Duration
	firstRunAt time.Time
	at         time.Time
}

// Cron builds a cron schedule. The expression is validated lazily by
// Validate and NextRunTime.
func Cron(expr string) Schedule {
	return Schedule{kind: KindCron, expr: strings.TrimSpace(expr)}
}

// NewInterval builds a fixed-period schedule. A zero firstRunAt means the
// first run is due immediately.
func NewInterval(period time.Duration, firstRunAt time.Time) (Schedule, error) {
	s := Schedule{
		kind:       KindInterval,
		period:     period.Truncate(time.Millisecond),
		firstRunAt: normalize(firstRunAt),
	}
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// Once builds a schedule that fires a single time at (or as soon as possible
// after) at.
func Once(at time.Time) Schedule {
	return Schedule{kind: KindOnce, at: normalize(at)}
}

func (s Schedule) Kind() Kind { return s.kind }
func (s Schedule) CronExpression() string { return s.expr }
func (s Schedule) Period() time.Duration { return s.period }
func (s Schedule) FirstRunAt() time.Time { return s.firstRunAt }
func (s Schedule) At() time.Time { return s.at }
func (s Schedule) IsZero() bool { return s.kind == 0 }
func (s Schedule) Equal(other Schedule) bool { return s == other }

// Validate checks the schedule without reference to any job.
func (s Schedule) Validate() error {
	switch s.kind {
	case KindCron:
		_, err := parseCron(s.expr)
		return err
	case KindInterval:
		if s.period < time.Millisecond {
			return errors.Mark(
				errors.Newf("interval period must be at least 1ms, got %s", s.period),
				ErrInvalidSchedule)
		}
		return nil
	case KindOnce:
		if s.at.IsZero() {
			return errors.Mark(errors.New("run-once schedule needs a time"), ErrInvalidSchedule)
		}
		return nil
	default:
		return errors.Mark(errors.New("empty schedule"), ErrInvalidSchedule)
	}
}

// NextRunTime computes the first fire time after a job last ran at prev
// (zero if it never ran), as seen at now. ok is false when the schedule will
// never fire again.
//
// Interval schedules skip missed periods instead of replaying them: the next
// run is the first prev + k*period strictly after now.
func (s Schedule) NextRunTime(prev, now time.Time) (next time.Time, ok bool, err error) {
	now = normalize(now)
	switch s.kind {
	case KindCron:
		sched, err := parseCron(s.expr)
		if err != nil {
			return time.Time{}, false, err
		}
		next := sched.Next(now)
		if next.IsZero() {
			// robfig gives up after five years without a match (e.g. Feb 30)
			return time.Time{}, false, nil
		}
		return normalize(next), true, nil

	case KindInterval:
		if s.period <= 0 {
			return time.Time{}, false, s.Validate()
		}
		if prev.IsZero() {
			if s.firstRunAt.IsZero() || s.firstRunAt.Before(now) {
				return now, true, nil
			}
			return s.firstRunAt, true, nil
		}
		prev = normalize(prev)
		n := int64(1)
		if now.After(prev) {
			n = int64(now.Sub(prev)/s.period) + 1
		}
		return prev.Add(time.Duration(n) * s.period), true, nil

	case KindOnce:
		if !prev.IsZero() {
			return time.Time{}, false, nil
		}
		return s.at, true, nil

	default:
		return time.Time{}, false, s.Validate()
	}
}

func (s Schedule) String() string {
	switch s.kind {
	case KindCron:
		return fmt.Sprintf("cron(%s)", s.expr)
	case KindInterval:
		if s.firstRunAt.IsZero() {
			return fmt.Sprintf("interval(%s)", s.period)
		}
		return fmt.Sprintf("interval(%s, first %s)", s.period, s.firstRunAt.Format(time.RFC3339))
	case KindOnce:
		return fmt.Sprintf("once(%s)", s.at.Format(time.RFC3339))
	default:
		return "schedule(empty)"
	}
}

func parseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, errors.Mark(errors.New("empty cron expression"), ErrInvalidSchedule)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.WithHint(
			errors.Mark(errors.Wrapf(err, "parse cron expression %q", expr), ErrInvalidSchedule),
			"use five fields (min hour dom month dow), six with leading seconds, or @daily/@every 1h")
	}
	return sched, nil
}

func normalize(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.Round(0).UTC().Truncate(time.Millisecond)
}
