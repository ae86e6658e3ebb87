package metrics

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueDepthCollector reports the number of files in each queue directory
// at scrape time, split by file state.
type QueueDepthCollector struct {
	dirs map[string]string
	desc *prometheus.Desc
}

// NewQueueDepthCollector returns a collector over the given queue name to
// directory map.
func NewQueueDepthCollector(dirs map[string]string) *QueueDepthCollector {
	return &QueueDepthCollector{
		dirs: dirs,
		desc: prometheus.NewDesc(
			"listd_queue_files",
			"Number of files in a queue directory by state.",
			[]string{"queue", "state"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *QueueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	names := make([]string, 0, len(c.dirs))
	for name := range c.dirs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		counts := CountQueueFiles(c.dirs[name])
		for _, state := range []string{"pck", "bak", "psv"} {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
				float64(counts[state]), name, state)
		}
	}
}

// CountQueueFiles counts the files in dir by extension. Unreadable
// directories count as empty.
func CountQueueFiles(dir string) map[string]int {
	counts := map[string]int{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return counts
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.TrimPrefix(filepath.Ext(e.Name()), ".")
		counts[ext]++
	}
	return counts
}
