package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

type benchSummary struct {
	count int
	avg   time.Duration
	min   time.Duration
	max   time.Duration
	p50   time.Duration
	p90   time.Duration
	p95   time.Duration
	p99   time.Duration
	p999  time.Duration
}

type benchStats struct {
	label     string
	ops       int
	opsPerSec float64
	summary   benchSummary
	errs      int64
	// statuses counts responses by HTTP status.
	statuses map[int]int
}

type benchRun struct {
	elapsed  time.Duration
	total    benchStats
	firstErr error
}

func buildStats(label string, elapsed time.Duration, samples []time.Duration, errs int64, statuses map[int]int) benchStats {
	summary := summarize(samples)
	opsPerSec := 0.0
	if elapsed > 0 {
		opsPerSec = float64(summary.count) / elapsed.Seconds()
	}
	return benchStats{
		label:     label,
		ops:       summary.count,
		opsPerSec: opsPerSec,
		summary:   summary,
		errs:      errs,
		statuses:  statuses,
	}
}

func summarize(samples []time.Duration) benchSummary {
	if len(samples) == 0 {
		return benchSummary{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return benchSummary{
		count: len(samples),
		avg:   time.Duration(int64(total) / int64(len(samples))),
		min:   samples[0],
		max:   samples[len(samples)-1],
		p50:   percentile(samples, 50),
		p90:   percentile(samples, 90),
		p95:   percentile(samples, 95),
		p99:   percentile(samples, 99),
		p999:  percentile(samples, 99.9),
	}
}

// percentile expects samples sorted ascending.
func percentile(samples []time.Duration, pct float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if pct <= 0 {
		return samples[0]
	}
	if pct >= 100 {
		return samples[len(samples)-1]
	}
	idx := int(math.Round((pct / 100.0) * float64(len(samples)-1)))
	return samples[max(0, min(idx, len(samples)-1))]
}

// medianStats folds several runs into one line by taking the median of
// every field independently.
func medianStats(label string, runs []benchStats) benchStats {
	if len(runs) == 0 {
		return benchStats{label: label}
	}
	pick := func(sel func(benchStats) time.Duration) time.Duration {
		values := make([]time.Duration, 0, len(runs))
		for _, s := range runs {
			values = append(values, sel(s))
		}
		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
		return values[len(values)/2]
	}
	ops := make([]int, 0, len(runs))
	rates := make([]float64, 0, len(runs))
	var errs int64
	statuses := make(map[int]int)
	for _, s := range runs {
		ops = append(ops, s.ops)
		rates = append(rates, s.opsPerSec)
		errs += s.errs
		for code, n := range s.statuses {
			statuses[code] += n
		}
	}
	sort.Ints(ops)
	sort.Float64s(rates)
	return benchStats{
		label:     label,
		ops:       ops[len(ops)/2],
		opsPerSec: rates[len(rates)/2],
		summary: benchSummary{
			count: ops[len(ops)/2],
			avg:   pick(func(s benchStats) time.Duration { return s.summary.avg }),
			min:   pick(func(s benchStats) time.Duration { return s.summary.min }),
			max:   pick(func(s benchStats) time.Duration { return s.summary.max }),
			p50:   pick(func(s benchStats) time.Duration { return s.summary.p50 }),
			p90:   pick(func(s benchStats) time.Duration { return s.summary.p90 }),
			p95:   pick(func(s benchStats) time.Duration { return s.summary.p95 }),
			p99:   pick(func(s benchStats) time.Duration { return s.summary.p99 }),
			p999:  pick(func(s benchStats) time.Duration { return s.summary.p999 }),
		},
		errs:     errs,
		statuses: statuses,
	}
}

func printStats(w io.Writer, stats benchStats) {
	s := stats.summary
	fmt.Fprintf(w, "%s: ops=%d ops/s=%.1f avg=%s p50=%s p90=%s p95=%s p99=%s p99.9=%s min=%s max=%s errors=%d",
		stats.label, stats.ops, stats.opsPerSec, s.avg, s.p50, s.p90, s.p95, s.p99, s.p999, s.min, s.max, stats.errs)
	codes := make([]int, 0, len(stats.statuses))
	for code := range stats.statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Fprintf(w, " status_%d=%d", code, stats.statuses[code])
	}
	fmt.Fprintln(w)
}
