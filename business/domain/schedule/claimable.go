package schedule

import (
	"time"

	"github.com/qash-finance/schedule-service/entities"
)

const (
	day = 24 * time.Hour

	// fallbackPeriodDays is used for frequencies the calculator does not know.
	fallbackPeriodDays = 30

	displayDateLayout = "02/01/2006"
)

type ClaimableTime struct {
	ClaimableAt    time.Time
	BlocksToWait   uint64
	TimelockHeight uint64
}

// Calculator converts recurrence rules into claimable instants and timelock heights.
type Calculator struct {
	BlockTime time.Duration
	Clock     Clock
}

func NewCalculator(blockTime time.Duration, clock Clock) Calculator {
	if blockTime <= 0 {
		blockTime = DefaultBlockTime
	}
	return Calculator{BlockTime: blockTime, Clock: clock}
}

// ComputeClaimableTime returns the instant at which execution index becomes claimable and the
// ledger height that corresponds to it, given the current height.
func (c Calculator) ComputeClaimableTime(index uint32, frequency entities.Frequency, currentHeight uint64, anchor time.Time) ClaimableTime {
	claimableAt := ClaimableAt(index, frequency, anchor)
	blocks := BlocksUntil(claimableAt, c.Clock.Now(), c.BlockTime)
	return ClaimableTime{
		ClaimableAt:    claimableAt,
		BlocksToWait:   blocks,
		TimelockHeight: currentHeight + blocks,
	}
}

// PeriodBlocks is the number of blocks in the period that starts at periodStart.
func (c Calculator) PeriodBlocks(frequency entities.Frequency, periodStart time.Time) uint64 {
	return PeriodBlocks(frequency, periodStart, c.BlockTime)
}

// FirstClaimableAt is the first instant strictly after anchor at which a payment with the
// given frequency becomes claimable. All instants are UTC midnights.
func FirstClaimableAt(frequency entities.Frequency, anchor time.Time) time.Time {
	anchor = anchor.UTC()
	start := midnight(anchor)
	switch frequency {
	case entities.FrequencyDaily:
		return start.AddDate(0, 0, 1)
	case entities.FrequencyWeekly:
		if !start.After(anchor) {
			return start.AddDate(0, 0, 7)
		}
		return start
	case entities.FrequencyMonthly:
		if !start.After(anchor) {
			return addMonths(start, 1, start.Day())
		}
		return start
	case entities.FrequencyYearly:
		if !start.After(anchor) {
			return addYears(start, 1, start.Day())
		}
		return start
	default:
		return start.AddDate(0, 0, 1+fallbackPeriodDays)
	}
}

// ClaimableAt is the claimable instant of the execution with the given ordinal. Ordinal 1 is
// the first claimable instant and ordinal i lies i-1 whole periods after it. Ordinal 0 is the
// anchor itself, the execution funded at creation. Calendar months and years are counted
// from the anchor's day of month and clamped to the last day of shorter target months, so
// day 31 never spills over.
func ClaimableAt(index uint32, frequency entities.Frequency, anchor time.Time) time.Time {
	anchor = anchor.UTC()
	if index == 0 {
		return anchor
	}
	first := FirstClaimableAt(frequency, anchor)
	n := int(index) - 1
	switch frequency {
	case entities.FrequencyDaily:
		return first.AddDate(0, 0, n)
	case entities.FrequencyWeekly:
		return first.AddDate(0, 0, 7*n)
	case entities.FrequencyMonthly:
		start := midnight(anchor)
		return addMonths(start, monthsBetween(start, first)+n, start.Day())
	case entities.FrequencyYearly:
		start := midnight(anchor)
		return addYears(start, first.Year()-start.Year()+n, start.Day())
	default:
		return first.AddDate(0, 0, fallbackPeriodDays*n)
	}
}

// PeriodStart is the instant the period ending at ordinal index begins: the claimable
// instant of the previous ordinal. Ordinal 0 has an empty period at the anchor.
func PeriodStart(index uint32, frequency entities.Frequency, anchor time.Time) time.Time {
	if index == 0 {
		return anchor.UTC()
	}
	return ClaimableAt(index-1, frequency, anchor)
}

// Schedule lists the claimable instants of executions 0 to count-1, execution i being
// claimable at ordinal i.
func Schedule(frequency entities.Frequency, anchor time.Time, count uint32) []time.Time {
	dates := make([]time.Time, 0, count)
	for i := uint32(0); i < count; i++ {
		dates = append(dates, ClaimableAt(i, frequency, anchor))
	}
	return dates
}

// BlocksUntil converts the calendar distance from now to target into whole blocks, rounding
// up. Targets in the past need zero blocks.
func BlocksUntil(target, now time.Time, blockTime time.Duration) uint64 {
	if !target.After(now) {
		return 0
	}
	wait := target.Sub(now)
	return uint64((wait + blockTime - 1) / blockTime)
}

// PeriodDays is the true calendar length of the period starting at periodStart: the days of
// its month for MONTHLY and of its year for YEARLY.
func PeriodDays(frequency entities.Frequency, periodStart time.Time) int {
	periodStart = periodStart.UTC()
	switch frequency {
	case entities.FrequencyDaily:
		return 1
	case entities.FrequencyWeekly:
		return 7
	case entities.FrequencyMonthly:
		return daysIn(periodStart.Year(), periodStart.Month())
	case entities.FrequencyYearly:
		if isLeap(periodStart.Year()) {
			return 366
		}
		return 365
	default:
		return fallbackPeriodDays
	}
}

func PeriodBlocks(frequency entities.Frequency, periodStart time.Time, blockTime time.Duration) uint64 {
	return uint64(time.Duration(PeriodDays(frequency, periodStart)) * day / blockTime)
}

func FormatClaimableDate(t time.Time) string {
	return t.UTC().Format(displayDateLayout)
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// addMonths moves base by n calendar months and places it on dayOfMonth, clamped to the
// last day of the target month.
func addMonths(base time.Time, n int, dayOfMonth int) time.Time {
	target := time.Date(base.Year(), base.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return time.Date(target.Year(), target.Month(), min(dayOfMonth, daysIn(target.Year(), target.Month())), 0, 0, 0, 0, time.UTC)
}

func addYears(base time.Time, n int, dayOfMonth int) time.Time {
	year := base.Year() + n
	return time.Date(year, base.Month(), min(dayOfMonth, daysIn(year, base.Month())), 0, 0, 0, 0, time.UTC)
}

func monthsBetween(from, to time.Time) int {
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}

func daysIn(year int, month time.Month) int {
	// day 0 of the following month is the last day of month
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func isLeap(year int) bool {
	return daysIn(year, time.February) == 29
}
