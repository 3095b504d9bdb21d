// Package metrics exposes cpuinfo/procinfo state as Prometheus
// collectors. It only ever reads through the existing Table/Table APIs —
// it never mutates core state and takes no part in the ownership state
// machine.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nodeshare/cpumgr/pkg/cpuinfo"
	"github.com/nodeshare/cpumgr/pkg/procinfo"
)

// Collector implements prometheus.Collector over a pair of attached
// tables, matching the constructor-returns-a-poller shape the teacher
// uses for its own sampling collector.
type Collector struct {
	cpus *cpuinfo.Table
	proc *procinfo.Table

	busyPct    *prometheus.Desc
	lentPct    *prometheus.Desc
	usageNS    *prometheus.Desc
	avgUsage   *prometheus.Desc
	loadAvg1   *prometheus.Desc
	registered *prometheus.Desc
}

// New builds a Collector over cpus and proc. Register it with a
// prometheus.Registry to start scraping.
func New(cpus *cpuinfo.Table, proc *procinfo.Table) *Collector {
	return &Collector{
		cpus: cpus,
		proc: proc,
		busyPct: prometheus.NewDesc(
			"cpumgr_cpu_busy_ratio", "Fraction of elapsed time cpu spent BUSY.",
			[]string{"cpu"}, nil),
		lentPct: prometheus.NewDesc(
			"cpumgr_cpu_lent_ratio", "Fraction of elapsed time cpu spent LENT.",
			[]string{"cpu"}, nil),
		usageNS: prometheus.NewDesc(
			"cpumgr_process_cpu_usage_ns_total", "Cumulative observed CPU time for a registered pid.",
			[]string{"pid"}, nil),
		avgUsage: prometheus.NewDesc(
			"cpumgr_process_cpu_usage_avg_ns", "Running average observed CPU time for a registered pid.",
			[]string{"pid"}, nil),
		loadAvg1: prometheus.NewDesc(
			"cpumgr_process_load_avg_1", "1-minute-equivalent load average for a registered pid.",
			[]string{"pid"}, nil),
		registered: prometheus.NewDesc(
			"cpumgr_process_registered_cpus", "Number of cpus currently registered to a pid.",
			[]string{"pid"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.busyPct
	ch <- c.lentPct
	ch <- c.usageNS
	ch <- c.avgUsage
	ch <- c.loadAvg1
	ch <- c.registered
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for i := 0; i < c.cpus.SystemSize(); i++ {
		cpu := cpuLabel(i)
		ch <- prometheus.MustNewConstMetric(c.busyPct, prometheus.GaugeValue,
			c.cpus.GetCPUStatePercentage(i, cpuinfo.Busy), cpu)
		ch <- prometheus.MustNewConstMetric(c.lentPct, prometheus.GaugeValue,
			c.cpus.GetCPUStatePercentage(i, cpuinfo.Lent), cpu)
	}

	for _, pid := range c.proc.GetPidList() {
		label := pidLabel(pid)
		if m, st := c.proc.GetProcessMask(pid); st.OK() {
			ch <- prometheus.MustNewConstMetric(c.registered, prometheus.GaugeValue, float64(m.Count()), label)
		}
		if load, st := c.proc.LoadAvg(pid); st.OK() {
			ch <- prometheus.MustNewConstMetric(c.loadAvg1, prometheus.GaugeValue, load[0], label)
		}
		if usageNS, avgUsageNS, st := c.proc.CPUUsage(pid); st.OK() {
			ch <- prometheus.MustNewConstMetric(c.usageNS, prometheus.CounterValue, float64(usageNS), label)
			ch <- prometheus.MustNewConstMetric(c.avgUsage, prometheus.GaugeValue, float64(avgUsageNS), label)
		}
	}
}

func cpuLabel(c int) string { return strconv.Itoa(c) }
func pidLabel(p int) string { return strconv.Itoa(p) }
