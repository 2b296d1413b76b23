package leakage

import (
	"math"
	"sort"
)

// leakageStat is the computed leakage measure for one access-site
// histogram against one partition of the testcases that reached it.
type leakageStat struct {
	mutualInformation  float64
	guessingEntropy    float64
	minGuessingEntropy float64
	score              float64
	scoreStdev         float64
	testcaseCount      int
}

// severity classifies a leakage score per the fixed external-report
// buckets.
type severity uint8

const (
	severityInfo severity = iota
	severityWarning
	severityError
)

func (s severity) String() string {
	switch s {
	case severityError:
		return "error"
	case severityWarning:
		return "warning"
	default:
		return "info"
	}
}

func classify(score float64) severity {
	switch {
	case score > 80:
		return severityError
	case score > 20:
		return severityWarning
	default:
		return severityInfo
	}
}

// partition maps each testcase ID that reached an access site to the
// class used for mutual-information classing: the index of the nearest
// enclosing split alternative, or the testcase's own ID if no split
// encloses it.
type partition map[int32]int32

// computeStat derives a leakageStat from the raw samples observed at one
// access-site histogram and the enclosing partition. bootstrapRounds of
// 0 disables the standard-deviation estimate outright; computeStat itself
// also skips it when fewer than 8 distinct testcases reached the site.
func computeStat(samples []accessSample, part partition, bootstrapRounds int, nextRand func(n int) int) leakageStat {
	testcases := distinctTestcases(samples)

	stat := leakageStat{testcaseCount: len(testcases)}
	if len(testcases) < 2 {
		return stat
	}

	stat.mutualInformation = mutualInformation(samples, part)
	stat.guessingEntropy = guessingEntropy(samples)
	stat.minGuessingEntropy = minGuessingEntropy(samples)
	stat.score = normalizeScore(stat.minGuessingEntropy, len(testcases))

	if bootstrapRounds > 0 && len(testcases) >= 8 {
		stat.scoreStdev = bootstrapScoreStdev(samples, part, testcases, bootstrapRounds, nextRand)
	}

	return stat
}

func distinctTestcases(samples []accessSample) []int32 {
	seen := map[int32]struct{}{}

	for _, s := range samples {
		seen[s.testcaseID] = struct{}{}
	}

	out := make([]int32, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// mutualInformation computes I(target; class) in bits, where class is
// drawn from part (falling back to testcase identity for any sample
// whose testcase has no partition entry, i.e. no enclosing split).
func mutualInformation(samples []accessSample, part partition) float64 {
	n := float64(len(samples))
	if n == 0 {
		return 0
	}

	joint := map[[2]uint64]int{}
	targetCount := map[uint64]int{}
	classCount := map[int32]int{}

	for _, s := range samples {
		cls, ok := part[s.testcaseID]
		if !ok {
			cls = s.testcaseID
		}

		joint[[2]uint64{s.target, uint64(uint32(cls))}]++
		targetCount[s.target]++
		classCount[cls]++
	}

	var mi float64

	for key, jc := range joint {
		pxy := float64(jc) / n
		px := float64(targetCount[key[0]]) / n
		py := float64(classCount[int32(key[1])]) / n

		if pxy == 0 || px == 0 || py == 0 {
			continue
		}

		mi += pxy * math.Log2(pxy/(px*py))
	}

	return mi
}

// guessingEntropy is the expected number of guesses an attacker who
// always guesses testcases in decreasing order of posterior probability
// needs, averaged over the observed target distribution: for a
// distribution sorted descending, G = sum_i (i+1)*p_i.
func guessingEntropy(samples []accessSample) float64 {
	byTarget := map[uint64]map[int32]int{}

	for _, s := range samples {
		m, ok := byTarget[s.target]
		if !ok {
			m = map[int32]int{}
			byTarget[s.target] = m
		}

		m[s.testcaseID]++
	}

	var g float64

	for _, counts := range byTarget {
		total := 0
		for _, c := range counts {
			total += c
		}

		var gt float64
		for i, p := range sortedDescendingProbs(counts, total) {
			gt += float64(i+1) * p
		}

		g += float64(total) / float64(len(samples)) * gt
	}

	return g
}

// minGuessingEntropy is log2 of the smallest per-target guessing entropy
// observed across the targets actually seen at this site: for each
// target value, an attacker who has seen that target guesses testcases
// in decreasing order of posterior probability, incurring G = sum
// (i+1)*p_i guesses; the minimum such G is the best an attacker can do
// against the most revealing target. The log2 puts the result on the
// same scale as log2(|T|), so normalizeScore's H_min/log2(|T|) ratio is
// dimensionally sound: a fully deterministic site has G_min=1, so
// H_min=0 and score=100; a site whose target reveals nothing about |T|
// equally likely testcases has G_min=(|T|+1)/2, so H_min stays below
// log2(|T|) and the score stays above 0 (about 41.5 for |T|=2).
func minGuessingEntropy(samples []accessSample) float64 {
	byTarget := map[uint64]map[int32]int{}

	for _, s := range samples {
		m, ok := byTarget[s.target]
		if !ok {
			m = map[int32]int{}
			byTarget[s.target] = m
		}

		m[s.testcaseID]++
	}

	best := math.Inf(1)

	for _, counts := range byTarget {
		total := 0
		for _, c := range counts {
			total += c
		}

		probs := sortedDescendingProbs(counts, total)

		var g float64
		for i, p := range probs {
			g += float64(i+1) * p
		}

		if g < best {
			best = g
		}
	}

	if math.IsInf(best, 1) {
		return 0
	}

	return math.Log2(best)
}

func testcaseCounts(samples []accessSample) map[int32]int {
	counts := map[int32]int{}
	for _, s := range samples {
		counts[s.testcaseID]++
	}

	return counts
}

func sortedDescendingProbs(counts map[int32]int, total int) []float64 {
	probs := make([]float64, 0, len(counts))
	for _, c := range counts {
		probs = append(probs, float64(c)/float64(total))
	}

	sort.Sort(sort.Reverse(sort.Float64Slice(probs)))

	return probs
}

// normalizeScore maps a minimum conditional guessing entropy onto
// [0, 100]; H_min equal to log2(testcaseCount) scores 0, and a fully
// determined site scores 100. minGuessingEntropy never reaches that
// ceiling, so a site with no leakage still scores above 0.
func normalizeScore(hMin float64, testcaseCount int) float64 {
	if testcaseCount < 2 {
		return 0
	}

	ceiling := math.Log2(float64(testcaseCount))
	if ceiling == 0 {
		return 0
	}

	score := 100 * (1 - hMin/ceiling)
	if score < 0 {
		return 0
	}

	if score > 100 {
		return 100
	}

	return score
}

// bootstrapScoreStdev resamples testcases with replacement, recomputing
// the normalized score each round, and returns the sample standard
// deviation across rounds. nextRand(n) must return a uniform value in
// [0, n); callers inject it so the resampling is deterministic in tests.
func bootstrapScoreStdev(samples []accessSample, part partition, testcases []int32, rounds int, nextRand func(n int) int) float64 {
	if nextRand == nil || len(testcases) == 0 {
		return 0
	}

	byTestcase := map[int32][]accessSample{}
	for _, s := range samples {
		byTestcase[s.testcaseID] = append(byTestcase[s.testcaseID], s)
	}

	scores := make([]float64, 0, rounds)

	for range rounds {
		resampled := make([]accessSample, 0, len(samples))

		for range testcases {
			pick := testcases[nextRand(len(testcases))]
			resampled = append(resampled, byTestcase[pick]...)
		}

		hMin := minGuessingEntropy(resampled)
		scores = append(scores, normalizeScore(hMin, len(distinctTestcases(resampled))))
	}

	return stdev(scores)
}

func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}

	var mean float64
	for _, x := range xs {
		mean += x
	}

	mean /= float64(len(xs))

	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}

	return math.Sqrt(sumSq / float64(len(xs)-1))
}
