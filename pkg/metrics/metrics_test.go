package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeshare/cpumgr/pkg/cpuinfo"
	"github.com/nodeshare/cpumgr/pkg/mask"
	"github.com/nodeshare/cpumgr/pkg/procinfo"
	"github.com/nodeshare/cpumgr/pkg/shmem"
)

func newTestCollector(t *testing.T, systemSize int) (*Collector, *cpuinfo.Table, *procinfo.Table) {
	t.Helper()
	old := shmem.BaseDir
	shmem.BaseDir = t.TempDir()
	t.Cleanup(func() { shmem.BaseDir = old })

	cpus, err := cpuinfo.Open(t.Name()+"-cpuinfo", systemSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cpus.Detach() })

	proc, err := procinfo.Open(t.Name()+"-procinfo", systemSize, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = proc.Detach() })

	return New(cpus, proc), cpus, proc
}

func collectAll(c *Collector) []prometheus.Metric {
	ch := make(chan prometheus.Metric, 64)
	done := make(chan struct{})
	var out []prometheus.Metric
	go func() {
		for m := range ch {
			out = append(out, m)
		}
		close(done)
	}()
	c.Collect(ch)
	close(ch)
	<-done
	return out
}

func TestDescribe_EmitsSixDescs(t *testing.T) {
	c, _, _ := newTestCollector(t, 2)
	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)
	var n int
	for range ch {
		n++
	}
	assert.Equal(t, 6, n)
}

func TestCollect_EmitsPerCPUAndPerPidMetrics(t *testing.T) {
	c, cpus, proc := newTestCollector(t, 2)
	const pid = 111
	proc.Register(pid, mask.Of(0), false, cpus)
	proc.UpdateCPUUsage(pid, 1_000_000)

	metrics := collectAll(c)

	// 2 cpus * 2 per-cpu descs + 1 pid * 4 per-pid descs
	assert.Len(t, metrics, 2*2+4)
}

func TestCollect_SkipsUnregisteredPids(t *testing.T) {
	c, _, _ := newTestCollector(t, 1)
	metrics := collectAll(c)
	assert.Len(t, metrics, 1*2)
}
