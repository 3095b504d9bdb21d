// Package procfs provides the small amount of /proc introspection the
// manager needs: whether a pid is still alive (used by the segment mutex's
// dead-holder recovery path) and raw CPU-time jiffies for a pid (used by
// procinfo's best-effort cpu_usage/load_avg accounting).
package procfs

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ClockTicks returns the number of jiffies (clock ticks) per second.
// Checks the CLK_TCK env var first (useful for testing), otherwise falls
// back to 100 (the common Linux default).
func ClockTicks() int {
	v, _ := strconv.Atoi(os.Getenv("CLK_TCK"))
	if v > 0 {
		return v
	}
	return 100
}

// Exists reports whether a given pid currently exists in /proc. Used by the
// segment's robust-mutex recovery path to reap procinfo entries whose owner
// died while holding the lock.
func Exists(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// CPUJiffies reads /proc/<pid>/stat and returns utime+stime, the total CPU
// jiffies charged to the process. Field layout per proc(5); comm (2nd field)
// is parenthesized and may itself contain spaces, so everything up to the
// last ") " is skipped rather than split naively.
func CPUJiffies(pid int) (jiffies uint64, err error) {
	f, e := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if e != nil {
		return 0, e
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, ErrNoStat
	}
	line := sc.Text()

	i := strings.LastIndex(line, ") ")
	if i < 0 {
		return 0, ErrNoStat
	}
	fields := strings.Fields(line[i+2:])
	// utime is the 14th field overall => fields[11]; stime the 15th => fields[12].
	if len(fields) < 13 {
		return 0, ErrShortStat
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil {
		return 0, err1
	}
	if err2 != nil {
		return 0, err2
	}
	return utime + stime, nil
}

// DeltaU64 returns now-prev, clamped to 0 if the counter wrapped (now <
// prev). A prev that was never set (0) yields now itself.
func DeltaU64(now, prev uint64) uint64 {
	if now >= prev {
		return now - prev
	}
	return 0
}
