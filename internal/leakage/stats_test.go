package leakage

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Buckets(t *testing.T) {
	t.Parallel()

	assert.Equal(t, severityError, classify(81))
	assert.Equal(t, severityWarning, classify(21))
	assert.Equal(t, severityWarning, classify(80))
	assert.Equal(t, severityInfo, classify(20))
	assert.Equal(t, severityInfo, classify(0))
}

func TestMinGuessingEntropy_FullyDeterministic_IsZero(t *testing.T) {
	t.Parallel()

	samples := []accessSample{
		{testcaseID: 0, target: 100},
		{testcaseID: 1, target: 200},
	}

	hMin := minGuessingEntropy(samples)
	assert.InDelta(t, 0, hMin, 1e-9, "a single testcase per target guesses correctly on the first try, G=1, log2(1)=0")
}

func TestNormalizeScore_FullyDeterministicTwoTestcases_ScoresHundred(t *testing.T) {
	t.Parallel()

	samples := []accessSample{
		{testcaseID: 0, target: 100},
		{testcaseID: 1, target: 200},
	}

	hMin := minGuessingEntropy(samples)
	score := normalizeScore(hMin, 2)

	assert.InDelta(t, 100, score, 1e-6)
}

func TestNormalizeScore_IndistinguishableTarget_ScoresLowerThanDeterministic(t *testing.T) {
	t.Parallel()

	// Both testcases produce the same target at this site: observing the
	// target gives no information about which testcase ran, so the
	// attacker is left guessing uniformly between them (the worst case
	// for T=2), which must score strictly below the fully deterministic
	// case tested above.
	indistinct := []accessSample{
		{testcaseID: 0, target: 42},
		{testcaseID: 1, target: 42},
	}

	score := normalizeScore(minGuessingEntropy(indistinct), 2)

	deterministic := []accessSample{
		{testcaseID: 0, target: 100},
		{testcaseID: 1, target: 200},
	}

	detScore := normalizeScore(minGuessingEntropy(deterministic), 2)

	assert.Less(t, score, detScore)
	assert.InDelta(t, 100, detScore, 1e-6)
}

func TestMutualInformation_PerfectCorrelation_EqualsEntropyOfClass(t *testing.T) {
	t.Parallel()

	samples := []accessSample{
		{testcaseID: 0, target: 1},
		{testcaseID: 1, target: 2},
	}

	part := partition{0: 0, 1: 1}

	mi := mutualInformation(samples, part)
	assert.InDelta(t, 1.0, mi, 1e-9, "two equally likely, perfectly distinguishable classes carry 1 bit")
}

func TestMutualInformation_NoCorrelation_IsZero(t *testing.T) {
	t.Parallel()

	samples := []accessSample{
		{testcaseID: 0, target: 1},
		{testcaseID: 1, target: 1},
		{testcaseID: 0, target: 1},
		{testcaseID: 1, target: 1},
	}

	part := partition{0: 0, 1: 1}

	mi := mutualInformation(samples, part)
	assert.InDelta(t, 0, mi, 1e-9)
}

func TestComputeStat_BootstrapDisabledBelowEightTestcases(t *testing.T) {
	t.Parallel()

	samples := []accessSample{
		{testcaseID: 0, target: 1},
		{testcaseID: 1, target: 2},
	}

	calls := 0
	stat := computeStat(samples, nil, 50, func(n int) int { calls++; return 0 })

	assert.Zero(t, stat.scoreStdev)
	assert.Zero(t, calls, "nextRand must not be invoked when testcase count is below the bootstrap threshold")
}

func TestComputeStat_BootstrapRunsAtEightTestcases(t *testing.T) {
	t.Parallel()

	samples := make([]accessSample, 0, 8)
	for i := int32(0); i < 8; i++ {
		samples = append(samples, accessSample{testcaseID: i, target: uint64(i)})
	}

	stat := computeStat(samples, nil, 20, func(n int) int { return 0 })

	assert.Equal(t, 8, stat.testcaseCount)
	// Every bootstrap round resamples testcase 0 eight times, a
	// degenerate single-testcase draw, so the stdev is deterministic and
	// finite rather than NaN.
	assert.False(t, math.IsNaN(stat.scoreStdev))
}

func TestComputeStat_SingleTestcase_ReportsZeroStat(t *testing.T) {
	t.Parallel()

	samples := []accessSample{{testcaseID: 0, target: 1}, {testcaseID: 0, target: 2}}

	stat := computeStat(samples, nil, 50, func(n int) int { return 0 })
	assert.Equal(t, 1, stat.testcaseCount)
	assert.Zero(t, stat.score)
}
