package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Uri-do/Monitor-sub000/internal/domain"
)

// NextExecution returns the first whole-time boundary of frequencyMinutes
// strictly after the given instant. Boundaries are counted from midnight
// of that instant's day in loc, so frequencies that divide 60 land on
// :00/:15/:30/... of the clock and multiples of 60 land on whole hours.
// The result is always strictly greater than after, so repeated calls
// walk forward boundary by boundary.
//
// Boundaries are elapsed minutes since midnight, not wall-clock labels:
// on a DST transition day the spacing between boundaries stays exact
// while the wall-clock reading shifts by the transition for the rest of
// that day. UTC, the default zone, has no transitions.
func NextExecution(frequencyMinutes int, after time.Time, loc *time.Location) (time.Time, error) {
	if frequencyMinutes <= 0 {
		return time.Time{}, fmt.Errorf("%w: frequency must be positive, got %d", domain.ErrInvalidArgument, frequencyMinutes)
	}
	if loc == nil {
		loc = time.UTC
	}
	local := after.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	elapsedMin := int(local.Sub(midnight) / time.Minute)
	next := (elapsedMin/frequencyMinutes + 1) * frequencyMinutes
	return midnight.Add(time.Duration(next) * time.Minute), nil
}

// NextFromSpec computes the next execution instant for a full
// RecurrenceSpec, dispatching between the frequency and cron arms.
func NextFromSpec(spec domain.RecurrenceSpec, after time.Time) (time.Time, error) {
	if err := ValidateSpec(spec); err != nil {
		return time.Time{}, err
	}
	loc := time.UTC
	if spec.Timezone != "" {
		l, err := time.LoadLocation(spec.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timezone %q: %v", domain.ErrInvalidArgument, spec.Timezone, err)
		}
		loc = l
	}
	if spec.CronExpr != "" {
		sched, err := cron.ParseStandard(spec.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", domain.ErrInvalidArgument, spec.CronExpr, err)
		}
		return sched.Next(after.In(loc)), nil
	}
	return NextExecution(spec.FrequencyMinutes, after, loc)
}

// IsDue reports whether an indicator is due by elapsed time. A nil
// lastRun is always due; otherwise the indicator is due from the exact
// instant lastRun+frequency onward. This elapsed-time rule is the
// canonical due-ness definition: NextExecution's aligned boundaries are
// informational and never gate due-ness.
func IsDue(lastRun *time.Time, frequencyMinutes int, now time.Time) (bool, error) {
	if frequencyMinutes <= 0 {
		return false, fmt.Errorf("%w: frequency must be positive, got %d", domain.ErrInvalidArgument, frequencyMinutes)
	}
	if lastRun == nil {
		return true, nil
	}
	return !now.Before(lastRun.Add(time.Duration(frequencyMinutes) * time.Minute)), nil
}

// ValidateSpec checks the exactly-one-of invariant between the frequency
// and cron arms of a RecurrenceSpec, plus window sanity.
func ValidateSpec(spec domain.RecurrenceSpec) error {
	hasFreq := spec.FrequencyMinutes != 0
	hasCron := spec.CronExpr != ""
	switch {
	case hasFreq && hasCron:
		return fmt.Errorf("%w: frequency and cron expression are mutually exclusive", domain.ErrInvalidArgument)
	case !hasFreq && !hasCron:
		return fmt.Errorf("%w: one of frequency or cron expression is required", domain.ErrInvalidArgument)
	case hasFreq && spec.FrequencyMinutes < 0:
		return fmt.Errorf("%w: frequency must be positive, got %d", domain.ErrInvalidArgument, spec.FrequencyMinutes)
	case hasCron:
		if err := ValidateCronExpression(spec.CronExpr); err != nil {
			return fmt.Errorf("%w: cron %q: %v", domain.ErrInvalidArgument, spec.CronExpr, err)
		}
	}
	if spec.ActiveFrom != nil && spec.ActiveUntil != nil && spec.ActiveUntil.Before(*spec.ActiveFrom) {
		return fmt.Errorf("%w: activation window ends before it starts", domain.ErrInvalidArgument)
	}
	return nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// DescribeSchedule renders a frequency as a human-readable cadence. It
// is total: anything unrecognized falls back to "every N minutes".
func DescribeSchedule(frequencyMinutes int) string {
	switch {
	case frequencyMinutes <= 0:
		return "unscheduled"
	case frequencyMinutes == 1:
		return "every minute"
	case frequencyMinutes == 60:
		return "hourly"
	case frequencyMinutes == 1440:
		return "daily"
	case frequencyMinutes%1440 == 0:
		return fmt.Sprintf("every %d days", frequencyMinutes/1440)
	case frequencyMinutes%60 == 0:
		return fmt.Sprintf("every %d hours", frequencyMinutes/60)
	default:
		return fmt.Sprintf("every %d minutes", frequencyMinutes)
	}
}
