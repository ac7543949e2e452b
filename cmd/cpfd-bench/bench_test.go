package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"strings"
	"testing"
	"time"

	"pkt.systems/cpfd/internal/lookup"
	"pkt.systems/cpfd/internal/router"
)

func durations(ms ...int) []time.Duration {
	out := make([]time.Duration, len(ms))
	for i, v := range ms {
		out[i] = time.Duration(v) * time.Millisecond
	}
	return out
}

func TestPercentile(t *testing.T) {
	samples := durations(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11)
	cases := []struct {
		pct  float64
		want time.Duration
	}{
		{0, time.Millisecond},
		{50, 6 * time.Millisecond},
		{90, 10 * time.Millisecond},
		{100, 11 * time.Millisecond},
		{150, 11 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := percentile(samples, tc.pct); got != tc.want {
			t.Fatalf("percentile(%v) = %s, want %s", tc.pct, got, tc.want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("percentile(nil) = %s", got)
	}
}

func TestSummarizeSortsSamples(t *testing.T) {
	s := summarize(durations(30, 10, 20))
	if s.count != 3 || s.min != 10*time.Millisecond || s.max != 30*time.Millisecond {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.avg != 20*time.Millisecond || s.p50 != 20*time.Millisecond {
		t.Fatalf("avg/p50 = %s/%s", s.avg, s.p50)
	}
	if empty := summarize(nil); empty.count != 0 {
		t.Fatalf("empty summary %+v", empty)
	}
}

func TestMedianStats(t *testing.T) {
	runs := []benchStats{
		buildStats("total", time.Second, durations(10, 10), 1, map[int]int{200: 2}),
		buildStats("total", time.Second, durations(30, 30, 30, 30), 0, map[int]int{200: 3, 404: 1}),
		buildStats("total", time.Second, durations(20, 20, 20), 2, map[int]int{200: 3}),
	}
	m := medianStats("total", runs)
	if m.ops != 3 || m.opsPerSec != 3 {
		t.Fatalf("ops = %d ops/s = %v, want 3/3", m.ops, m.opsPerSec)
	}
	if m.summary.p50 != 20*time.Millisecond {
		t.Fatalf("p50 = %s", m.summary.p50)
	}
	if m.errs != 3 || m.statuses[200] != 8 || m.statuses[404] != 1 {
		t.Fatalf("errs=%d statuses=%v", m.errs, m.statuses)
	}
	var buf bytes.Buffer
	printStats(&buf, m)
	line := buf.String()
	for _, want := range []string{"total: ops=3", "errors=3", "status_200=8 status_404=1"} {
		if !strings.Contains(line, want) {
			t.Fatalf("printStats output %q missing %q", line, want)
		}
	}
}

func TestGeneratePeopleDeterministic(t *testing.T) {
	a, partnersA, estA := generatePeople(40, 7)
	b, _, _ := generatePeople(40, 7)
	if len(a) != 40 || len(partnersA) != 10 || len(estA) != 10 {
		t.Fatalf("got %d people %d partners %d establishments", len(a), len(partnersA), len(estA))
	}
	seen := make(map[string]bool)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("person %d differs across runs: %+v vs %+v", i, a[i], b[i])
		}
		if len(a[i].CPF) != 11 || seen[a[i].CPF] {
			t.Fatalf("bad or duplicate cpf %q", a[i].CPF)
		}
		seen[a[i].CPF] = true
	}
	for i, p := range partnersA {
		if p.Radical != estA[i].Radical {
			t.Fatalf("partner %d radical %q has no establishment", i, p.Radical)
		}
		if !strings.HasPrefix(p.CPF, "***") || len(p.CPF) != 11 {
			t.Fatalf("partner cpf %q not masked", p.CPF)
		}
	}
}

func TestMaskCPF(t *testing.T) {
	if got := maskCPF("12345678901"); got != "***456789**" {
		t.Fatalf("maskCPF = %q", got)
	}
	if got := maskCPF("123"); got != "123" {
		t.Fatalf("maskCPF short = %q", got)
	}
}

func TestWorkloadsRoute(t *testing.T) {
	samples := []lookup.Sample{{CPF: "12345678901", Name: "MARIA SILVA"}}
	want := map[string]router.Kind{
		"cpf":        router.ByCPF,
		"name":       router.ByName,
		"exact-name": router.ByExactName,
		"partners":   router.PartnersByNameCPFRadical,
		"missing":    router.ByCPF,
	}
	for name, kind := range want {
		wl, err := newWorkload(name, samples)
		if err != nil {
			t.Fatalf("newWorkload(%s): %v", name, err)
		}
		m := router.RouteLine("GET " + wl.Next() + " HTTP/1.1")
		if m.Kind != kind {
			t.Fatalf("workload %s routed to %s, want %s", name, m.Kind, kind)
		}
	}
	mixed, err := newWorkload("mixed", samples)
	if err != nil {
		t.Fatalf("mixed: %v", err)
	}
	kinds := make(map[router.Kind]bool)
	for range 5 {
		kinds[router.RouteLine("GET "+mixed.Next()+" HTTP/1.1").Kind] = true
	}
	if len(kinds) != 4 {
		t.Fatalf("mixed covered %v", kinds)
	}
	if _, err := newWorkload("bogus", samples); err == nil {
		t.Fatalf("expected unknown workload error")
	}
	if _, err := newWorkload("cpf", nil); err == nil {
		t.Fatalf("expected error without samples")
	}
}

func TestParseStatus(t *testing.T) {
	code, err := parseStatus([]byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"))
	if err != nil || code != 404 {
		t.Fatalf("parseStatus = %d, %v", code, err)
	}
	for _, raw := range []string{"", "garbage\r\n", "HTTP/1.1 abc\r\n"} {
		if _, err := parseStatus([]byte(raw)); err == nil {
			t.Fatalf("parseStatus(%q) succeeded", raw)
		}
	}
}

func TestParseFlagsValidation(t *testing.T) {
	cases := [][]string{
		{"--ops", "0"},
		{"--concurrency", "-1"},
		{"--runs", "0"},
		{"--server", "127.0.0.1:5050"},
	}
	for _, args := range cases {
		if _, err := parseFlags(args); err == nil {
			t.Fatalf("parseFlags(%v) succeeded", args)
		}
	}
	if _, err := parseFlags([]string{"-h"}); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
}

func TestRunInProcess(t *testing.T) {
	var out bytes.Buffer
	args := []string{
		"--people", "60",
		"--samples", "20",
		"--ops", "40",
		"--concurrency", "4",
		"--runs", "2",
		"--warmup", "0",
		"--root", t.TempDir(),
		"--stream-routes", "name",
	}
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	text := out.String()
	for _, want := range []string{"in-process server", "run=2/2", "summary (median of 2 runs)", "status_200="} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "first_error=") {
		t.Fatalf("unexpected request errors:\n%s", text)
	}
}
