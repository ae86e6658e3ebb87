package main

import (
	"flag"
	"os"
	"syscall"
	"testing"

	"github.com/infodancer/listd/internal/config"
)

func TestStringList(t *testing.T) {
	var l stringList
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Var(&l, "runner", "")
	if err := fs.Parse([]string{"--runner", "in", "--runner=out"}); err != nil {
		t.Fatal(err)
	}
	if l.String() != "in,out" {
		t.Errorf("stringList = %q", l.String())
	}
}

func TestSelectRunners(t *testing.T) {
	off := false
	all := []config.RunnerConfig{
		{Name: "in", Instances: 1},
		{Name: "out", Instances: 2},
		{Name: "news", Instances: 1, Start: &off},
	}

	got, err := selectRunners(all, nil)
	if err != nil || len(got) != 3 {
		t.Fatalf("selectRunners(nil) = %v, %v", got, err)
	}

	got, err = selectRunners(all, []string{"news", "out"})
	if err != nil {
		t.Fatalf("selectRunners() error = %v", err)
	}
	if len(got) != 2 || got[0].Name != "news" || got[1].Name != "out" {
		t.Fatalf("selectRunners() = %v", got)
	}
	if !got[0].Enabled() {
		t.Error("a named runner should start even when disabled")
	}
	if all[2].Enabled() {
		t.Error("selectRunners modified the configuration")
	}

	if _, err := selectRunners(all, []string{"bogus"}); err == nil {
		t.Error("expected an error for an unknown runner")
	}
}

func TestRunnerMetricsConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Runners = []config.RunnerConfig{
		{Name: "in", Instances: 1},
		{Name: "out", Instances: 2},
	}

	if got := runnerMetricsConfig(cfg, "out", 1); got.Enabled {
		t.Errorf("metrics disabled, got %+v", got)
	}

	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = "127.0.0.1:9110"
	cfg.Metrics.RunnerPortBase = 9200
	tests := []struct {
		name  string
		slice int
		want  string
	}{
		{"in", 0, "127.0.0.1:9200"},
		{"out", 0, "127.0.0.1:9201"},
		{"out", 1, "127.0.0.1:9202"},
	}
	for _, tt := range tests {
		got := runnerMetricsConfig(cfg, tt.name, tt.slice)
		if !got.Enabled || got.Address != tt.want || got.Path != "/metrics" {
			t.Errorf("runnerMetricsConfig(%s, %d) = %+v, want %s", tt.name, tt.slice, got, tt.want)
		}
	}
	if got := runnerMetricsConfig(cfg, "news", 0); got.Enabled {
		t.Errorf("unplanned runner got %+v", got)
	}
}

func TestStopCodes(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want int
	}{
		{syscall.SIGTERM, 15},
		{syscall.SIGINT, 2},
		{syscall.SIGUSR1, int(syscall.SIGUSR1)},
	}
	for _, tt := range tests {
		if got := stopCodes[tt.sig]; got != tt.want {
			t.Errorf("stopCodes[%v] = %d, want %d", tt.sig, got, tt.want)
		}
	}
	if _, ok := stopCodes[syscall.SIGHUP]; ok {
		t.Error("SIGHUP should not stop a runner")
	}
}
