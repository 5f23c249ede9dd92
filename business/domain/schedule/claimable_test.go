package schedule

import (
	"fmt"
	"testing"
	"time"

	"github.com/qash-finance/schedule-service/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type FakeClock struct {
	now time.Time
}

func (f FakeClock) Now() time.Time {
	return f.now
}

func utc(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
}

func TestClaimableAt_isStrictlyIncreasing(t *testing.T) {
	frequencies := []entities.Frequency{
		entities.FrequencyDaily,
		entities.FrequencyWeekly,
		entities.FrequencyMonthly,
		entities.FrequencyYearly,
		entities.Frequency("BIWEEKLY"), // unknown
	}
	anchors := []time.Time{
		utc(2025, time.January, 31, 12),
		utc(2024, time.February, 29, 0),
		utc(2024, time.December, 31, 23),
		utc(2025, time.June, 10, 23),
		utc(2025, time.March, 30, 0),
	}

	for _, frequency := range frequencies {
		for _, anchor := range anchors {
			t.Run(fmt.Sprintf("%s_%s", frequency, anchor.Format(time.DateOnly)), func(t *testing.T) {
				previous := ClaimableAt(0, frequency, anchor)
				require.Equal(t, anchor, previous)
				require.Equal(t, FirstClaimableAt(frequency, anchor), ClaimableAt(1, frequency, anchor))
				for i := uint32(1); i <= 60; i++ {
					current := ClaimableAt(i, frequency, anchor)
					require.True(t, current.After(previous), "index [%d]: [%s] not after [%s]", i, current, previous)
					previous = current
				}
			})
		}
	}
}

func TestFirstClaimableAt_daily_givenLateEvening_thenNextMidnight(t *testing.T) {
	anchor := time.Date(2025, time.June, 10, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, utc(2025, time.June, 11, 0), FirstClaimableAt(entities.FrequencyDaily, anchor))
}

func TestFirstClaimableAt_daily_givenExactMidnight_thenFollowingMidnight(t *testing.T) {
	anchor := utc(2025, time.June, 10, 0)
	assert.Equal(t, utc(2025, time.June, 11, 0), FirstClaimableAt(entities.FrequencyDaily, anchor))
}

func TestFirstClaimableAt_daily_givenNonUTCAnchor_thenUTCMidnight(t *testing.T) {
	berlin := time.FixedZone("CEST", 2*60*60)
	anchor := time.Date(2025, time.June, 11, 1, 0, 0, 0, berlin) // 2025-06-10T23:00Z
	assert.Equal(t, utc(2025, time.June, 11, 0), FirstClaimableAt(entities.FrequencyDaily, anchor))
}

func TestClaimableAt_givenOrdinalZero_thenAnchor(t *testing.T) {
	berlin := time.FixedZone("CEST", 2*60*60)
	anchor := time.Date(2025, time.June, 11, 1, 0, 0, 0, berlin)
	assert.Equal(t, time.Date(2025, time.June, 10, 23, 0, 0, 0, time.UTC), ClaimableAt(0, entities.FrequencyMonthly, anchor))
}

func TestClaimableAt_daily_givenLateEvening_thenFirstOrdinalIsNextMidnight(t *testing.T) {
	anchor := time.Date(2025, time.June, 10, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, utc(2025, time.June, 11, 0), ClaimableAt(1, entities.FrequencyDaily, anchor))
	assert.Equal(t, utc(2025, time.June, 12, 0), ClaimableAt(2, entities.FrequencyDaily, anchor))
}

func TestClaimableAt_weekly(t *testing.T) {
	anchor := utc(2025, time.June, 10, 15) // tuesday
	assert.Equal(t, utc(2025, time.June, 17, 0), ClaimableAt(1, entities.FrequencyWeekly, anchor))
	assert.Equal(t, utc(2025, time.July, 1, 0), ClaimableAt(3, entities.FrequencyWeekly, anchor))
	assert.Equal(t, time.Tuesday, ClaimableAt(7, entities.FrequencyWeekly, anchor).Weekday())
}

func TestClaimableAt_monthly(t *testing.T) {
	anchor := utc(2025, time.January, 15, 9)
	assert.Equal(t, utc(2025, time.February, 15, 0), ClaimableAt(1, entities.FrequencyMonthly, anchor))
	assert.Equal(t, utc(2025, time.March, 15, 0), ClaimableAt(2, entities.FrequencyMonthly, anchor))
	assert.Equal(t, utc(2026, time.January, 15, 0), ClaimableAt(12, entities.FrequencyMonthly, anchor))
}

func TestClaimableAt_monthly_givenJanuary31_thenFirstOrdinalIsEndOfFebruary(t *testing.T) {
	var testData = []struct {
		name     string
		anchor   time.Time
		expected time.Time
	}{
		{name: "common year", anchor: utc(2025, time.January, 31, 0), expected: utc(2025, time.February, 28, 0)},
		{name: "leap year", anchor: utc(2024, time.January, 31, 0), expected: utc(2024, time.February, 29, 0)},
		{name: "late in the day", anchor: utc(2025, time.January, 31, 22), expected: utc(2025, time.February, 28, 0)},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			claimableAt := ClaimableAt(1, entities.FrequencyMonthly, testRun.anchor)
			assert.Equal(t, testRun.expected, claimableAt)
			assert.Equal(t, time.February, claimableAt.Month())
		})
	}
}

func TestClaimableAt_monthly_givenDay31_thenClampingDoesNotDrift(t *testing.T) {
	anchor := utc(2025, time.January, 31, 10)
	assert.Equal(t, utc(2025, time.February, 28, 0), ClaimableAt(1, entities.FrequencyMonthly, anchor))
	assert.Equal(t, utc(2025, time.March, 31, 0), ClaimableAt(2, entities.FrequencyMonthly, anchor))
	assert.Equal(t, utc(2025, time.April, 30, 0), ClaimableAt(3, entities.FrequencyMonthly, anchor))
	assert.Equal(t, utc(2025, time.May, 31, 0), ClaimableAt(4, entities.FrequencyMonthly, anchor))
}

func TestClaimableAt_monthly_givenDecember31_thenCrossesYear(t *testing.T) {
	anchor := utc(2023, time.December, 31, 10)
	assert.Equal(t, utc(2024, time.January, 31, 0), ClaimableAt(1, entities.FrequencyMonthly, anchor))
	assert.Equal(t, utc(2024, time.February, 29, 0), ClaimableAt(2, entities.FrequencyMonthly, anchor))
}

func TestClaimableAt_yearly_givenLeapDay(t *testing.T) {
	anchor := utc(2024, time.February, 29, 8)
	assert.Equal(t, utc(2025, time.February, 28, 0), ClaimableAt(1, entities.FrequencyYearly, anchor))
	assert.Equal(t, utc(2026, time.February, 28, 0), ClaimableAt(2, entities.FrequencyYearly, anchor))
	assert.Equal(t, utc(2028, time.February, 29, 0), ClaimableAt(4, entities.FrequencyYearly, anchor))
}

func TestClaimableAt_unknownFrequency_thenThirtyDayPeriodsFromNextMidnight(t *testing.T) {
	anchor := utc(2025, time.June, 10, 23)
	unknown := entities.Frequency("FORTNIGHTLY")
	assert.Equal(t, utc(2025, time.July, 11, 0), ClaimableAt(1, unknown, anchor))
	assert.Equal(t, utc(2025, time.August, 10, 0), ClaimableAt(2, unknown, anchor))
}

func TestPeriodStart(t *testing.T) {
	anchor := utc(2025, time.January, 15, 9)
	assert.Equal(t, anchor, PeriodStart(0, entities.FrequencyMonthly, anchor))
	assert.Equal(t, anchor, PeriodStart(1, entities.FrequencyMonthly, anchor))
	assert.Equal(t, utc(2025, time.February, 15, 0), PeriodStart(2, entities.FrequencyMonthly, anchor))
	assert.Equal(t, utc(2025, time.March, 15, 0), PeriodStart(3, entities.FrequencyMonthly, anchor))
}

func TestComputeClaimableTime_dailyScenario(t *testing.T) {
	anchor := time.Date(2025, time.June, 10, 23, 0, 0, 0, time.UTC)
	calculator := NewCalculator(5*time.Second, FakeClock{now: anchor})

	claimable := calculator.ComputeClaimableTime(1, entities.FrequencyDaily, 1000, anchor)
	assert.Equal(t, utc(2025, time.June, 11, 0), claimable.ClaimableAt)
	assert.Equal(t, uint64(720), claimable.BlocksToWait) // one hour
	assert.Equal(t, uint64(1720), claimable.TimelockHeight)
}

func TestComputeClaimableTime_givenClaimableInPast_thenNoBlocksToWait(t *testing.T) {
	anchor := utc(2025, time.January, 1, 0)
	calculator := NewCalculator(5*time.Second, FakeClock{now: utc(2025, time.June, 1, 0)})

	claimable := calculator.ComputeClaimableTime(3, entities.FrequencyWeekly, 5000, anchor)
	assert.Equal(t, uint64(0), claimable.BlocksToWait)
	assert.Equal(t, uint64(5000), claimable.TimelockHeight)
}

func TestBlocksUntil_roundsUp(t *testing.T) {
	target := utc(2025, time.June, 11, 0)
	assert.Equal(t, uint64(2), BlocksUntil(target, target.Add(-7*time.Second), 5*time.Second))
	assert.Equal(t, uint64(1), BlocksUntil(target, target.Add(-5*time.Second), 5*time.Second))
	assert.Equal(t, uint64(0), BlocksUntil(target, target, 5*time.Second))
}

func TestPeriodBlocks_leapFebruaryHasOneMoreDayOfBlocks(t *testing.T) {
	blockTime := 5 * time.Second
	leap := PeriodBlocks(entities.FrequencyMonthly, utc(2024, time.February, 1, 0), blockTime)
	common := PeriodBlocks(entities.FrequencyMonthly, utc(2025, time.February, 1, 0), blockTime)
	assert.Equal(t, uint64(29*17280), leap)
	assert.Equal(t, uint64(28*17280), common)
	assert.Equal(t, uint64(17280), leap-common)
}

func TestPeriodBlocks_yearlyAndFixedPeriods(t *testing.T) {
	blockTime := 5 * time.Second
	assert.Equal(t, uint64(366*17280), PeriodBlocks(entities.FrequencyYearly, utc(2024, time.January, 1, 0), blockTime))
	assert.Equal(t, uint64(365*17280), PeriodBlocks(entities.FrequencyYearly, utc(2025, time.January, 1, 0), blockTime))
	assert.Equal(t, uint64(17280), PeriodBlocks(entities.FrequencyDaily, utc(2025, time.March, 1, 0), blockTime))
	assert.Equal(t, uint64(7*17280), PeriodBlocks(entities.FrequencyWeekly, utc(2025, time.March, 1, 0), blockTime))
	assert.Equal(t, uint64(31*17280), PeriodBlocks(entities.FrequencyMonthly, utc(2025, time.March, 1, 0), blockTime))
}

func TestSchedule(t *testing.T) {
	dates := Schedule(entities.FrequencyMonthly, utc(2025, time.January, 15, 0), 3)
	require.Len(t, dates, 3)
	assert.Equal(t, "15/01/2025", FormatClaimableDate(dates[0]))
	assert.Equal(t, "15/02/2025", FormatClaimableDate(dates[1]))
	assert.Equal(t, "15/03/2025", FormatClaimableDate(dates[2]))
}
