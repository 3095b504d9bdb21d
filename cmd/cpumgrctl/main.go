package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nodeshare/cpumgr/pkg/cpuinfo"
	"github.com/nodeshare/cpumgr/pkg/manager"
)

func main() {
	var shmKey string
	var systemSize int

	root := &cobra.Command{
		Use:   "cpumgrctl",
		Short: "Inspect the node-local CPU ownership manager's shared state",
		Long: `cpumgrctl attaches read-only to an already-running cpumgr instance
identified by its shared-memory key and prints the current cpuinfo and
procinfo tables. It never registers a pid or mutates ownership state.`,
	}
	root.PersistentFlags().StringVar(&shmKey, "shm-key", "cpumgr", "shared-memory key identifying the node-local instance")
	root.PersistentFlags().IntVar(&systemSize, "system-size", 0, "number of cpus the instance was opened with")

	cpusCmd := &cobra.Command{
		Use:   "cpus",
		Short: "Print per-cpu ownership/guest/state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCPUs(shmKey, systemSize)
		},
	}
	procsCmd := &cobra.Command{
		Use:   "procs",
		Short: "Print per-pid registered mask, usage and load average",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcs(shmKey, systemSize)
		},
	}
	root.AddCommand(cpusCmd, procsCmd)

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func attach(shmKey string, systemSize int) (*manager.Manager, error) {
	if systemSize <= 0 {
		return nil, fmt.Errorf("--system-size is required")
	}
	cfg := manager.DefaultConfig()
	cfg.ShmKey = shmKey
	cfg.SystemSize = systemSize
	return manager.InitExt(cfg)
}

func runCPUs(shmKey string, systemSize int) error {
	m, err := attach(shmKey, systemSize)
	if err != nil {
		return err
	}
	defer m.Finalize()

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "CPU\tOWNER\tGUEST\tSTATE\tBUSY%\tLENT%")
	for c := 0; c < systemSize; c++ {
		owner, guest, state := m.CPUOwnership(c)
		busy := m.CPUStatePercentage(c, cpuinfo.Busy) * 100
		lent := m.CPUStatePercentage(c, cpuinfo.Lent) * 100
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%.1f\t%.1f\n", c, owner, guest, state, busy, lent)
	}
	return tw.Flush()
}

func runProcs(shmKey string, systemSize int) error {
	m, err := attach(shmKey, systemSize)
	if err != nil {
		return err
	}
	defer m.Finalize()

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tMASK\tUSAGE_NS\tAVG_USAGE_NS\tLOAD1")
	for _, pid := range m.RegisteredPids() {
		pm, _ := m.ProcessMask(pid)
		usage, avg, _ := m.ProcessUsage(pid)
		load, _ := m.LoadAvg(pid)
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%.2f\n", pid, pm.String(), usage, avg, load[0])
	}
	return tw.Flush()
}
