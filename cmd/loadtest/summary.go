package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"slices"
)

func printSummary(results []callResult) {
	writeSummary(os.Stdout, results)
}

func writeSummary(w io.Writer, results []callResult) {
	var failed int
	var eou, ttft, ttfb, total []float64
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		eou = append(eou, r.turn.eouDelay*1000)
		ttft = append(ttft, r.turn.ttft*1000)
		ttfb = append(ttfb, r.turn.ttfb*1000)
		total = append(total, r.turn.total()*1000)
	}

	fmt.Fprintf(w, "\n=== Load Test Results ===\n")
	fmt.Fprintf(w, "Turns completed: %d\n", len(total))
	fmt.Fprintf(w, "Calls failed:    %d\n", failed)
	for msg, n := range errs {
		fmt.Fprintf(w, "  %dx %s\n", n, msg)
	}

	if len(total) == 0 {
		fmt.Fprintln(w, "No successful turns to report metrics")
		return
	}

	fmt.Fprintf(w, "\n%-6s %9s %9s %9s %9s\n", "Metric", "mean", "p50", "p95", "p99")
	for _, row := range []struct {
		name string
		data []float64
	}{{"EOU", eou}, {"TTFT", ttft}, {"TTFB", ttfb}, {"Total", total}} {
		fmt.Fprintf(w, "%-6s %7.0fms %7.0fms %7.0fms %7.0fms\n", row.name,
			mean(row.data), percentile(row.data, 50), percentile(row.data, 95), percentile(row.data, 99))
	}
}

func mean(data []float64) float64 {
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func percentile(data []float64, pct float64) float64 {
	sorted := slices.Clone(data)
	slices.Sort(sorted)
	idx := int(math.Ceil(pct/100*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
