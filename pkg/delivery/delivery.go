// Package delivery implements the optional async fan-out helper for
// action-list items addressed to pids other than the caller: in
// mode=async it writes each target pid's items to a well-known signal
// file and best-effort wakes it; in mode=polling it is a pass-through
// no-op, since a remote pid observes the same change on its own next
// cpuinfo/procinfo call.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/nodeshare/cpumgr/pkg/action"
	"github.com/nodeshare/cpumgr/pkg/shmem"
	"github.com/nodeshare/cpumgr/pkg/subprocess"
)

// dedupWindow bounds how often the same (pid, action list) delivery is
// re-signaled; it only suppresses a burst of identical re-deliveries,
// never a genuinely new action list.
const dedupWindow = 50 * time.Millisecond

// recentCacheSize caps the dedup cache; one entry per currently-busy
// target pid is the expected working set, so this is generous headroom.
const recentCacheSize = 256

// Deliverer fans action-list items out to other pids in the background.
// The zero value is not usable; construct with New.
type Deliverer struct {
	key  string
	mode subprocess.Mode

	sem    *semaphore.Weighted
	recent *lru.Cache[string, time.Time]
}

// New builds a Deliverer for segment key, bounding in-flight deliveries to
// maxConcurrent goroutines.
func New(key string, mode subprocess.Mode, maxConcurrent int) (*Deliverer, error) {
	cache, err := lru.New[string, time.Time](recentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("delivery: build dedup cache: %w", err)
	}
	return &Deliverer{
		key:    key,
		mode:   mode,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		recent: cache,
	}, nil
}

// Deliver fans items out to every distinct target pid present in the list,
// bounded by the deliverer's concurrency limit. In Polling mode it returns
// immediately: remote pids pick up the change themselves on their next
// cpuinfo/procinfo call.
func (d *Deliverer) Deliver(ctx context.Context, items action.List) error {
	if d.mode == subprocess.Polling || len(items) == 0 {
		return nil
	}

	byPid := make(map[int]action.List)
	for _, it := range items {
		byPid[it.Pid] = append(byPid[it.Pid], it)
	}

	g, gctx := errgroup.WithContext(ctx)
	for pid, pidItems := range byPid {
		pid, pidItems := pid, pidItems
		g.Go(func() error {
			if err := d.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer d.sem.Release(1)
			return d.deliverOne(pid, pidItems)
		})
	}
	return g.Wait()
}

func (d *Deliverer) deliverOne(pid int, items action.List) error {
	corrID := uuid.NewString()
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("delivery: encode items for pid %d: %w", pid, err)
	}
	dedupKey := fmt.Sprintf("%d:%s", pid, payload)
	if ts, ok := d.recent.Get(dedupKey); ok && time.Since(ts) < dedupWindow {
		slog.Debug("delivery: suppressing duplicate signal",
			"pid", pid, "correlation_id", corrID)
		return nil
	}

	path := signalPath(d.key, pid)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("delivery: write signal file for pid %d: %w", pid, err)
	}
	d.recent.Add(dedupKey, time.Now())

	if err := unix.Kill(pid, syscall.SIGURG); err != nil && !errors.Is(err, syscall.ESRCH) {
		slog.Warn("delivery: wake signal failed",
			"pid", pid, "correlation_id", corrID, "error", err)
	}
	return nil
}

// Receive drains and removes the signal file for pid, returning whatever
// action-list items were pending for it. A missing file is not an error —
// it just means nothing was delivered since the last call.
func Receive(key string, pid int) (action.List, error) {
	path := signalPath(key, pid)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("delivery: read signal file for pid %d: %w", pid, err)
	}
	_ = os.Remove(path)

	var items action.List
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("delivery: decode signal file for pid %d: %w", pid, err)
	}
	return items, nil
}

func signalPath(key string, pid int) string {
	return filepath.Join(shmem.BaseDir, fmt.Sprintf("%s.sig.%d", key, pid))
}
