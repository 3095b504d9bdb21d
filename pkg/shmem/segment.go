// Package shmem implements the shared-memory segment primitive: a named,
// node-local, version-tagged region with a process-shared mutex and a
// reference count, shared by several co-located processes.
//
// A segment is backed by a regular file under a per-node directory (the
// POSIX-shm-like convention also used by /dev/shm) and mapped with
// golang.org/x/sys/unix.Mmap, the same low-level file plumbing the teacher
// repo uses for /proc and /sys/fs/cgroup access. The process-shared mutex
// is realized with an advisory flock(2): the kernel releases a flock
// automatically when its holder dies, so a stuck lock from a dead process
// is architecturally impossible — recovery reduces to the domain layer
// reaping procinfo entries for pids that are no longer alive once it has
// the lock again.
package shmem

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Role names the table a segment backs.
type Role string

const (
	RoleCPUInfo  Role = "cpuinfo"
	RoleProcInfo Role = "procinfo"
	RoleTALP     Role = "talp"
)

const (
	headerSize = 24 // magic(8) + version(4) + multiplier(4) + numAttached(4) + pad(4)
	magicValue = "DLBSHMv1"
)

// ErrVersionMismatch is returned by Open when an existing segment's version
// tag does not match the caller's expectation; the caller must choose a
// distinct key.
type ErrVersionMismatch struct {
	Key      string
	Role     Role
	Got      uint32
	Expected uint32
}

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("shmem: version mismatch for %s.%s: got %d, expected %d",
		e.Key, e.Role, e.Got, e.Expected)
}

// Segment is one named, version-tagged, mmap'd shared-memory region.
type Segment struct {
	key  string
	role Role

	mu   sync.Mutex // serializes this process's own Attach/Detach bookkeeping
	file *os.File
	data []byte // full mapping, header + payload
	path string
}

// BaseDir is where segment-backing files live. Overridable in tests so they
// never touch a real node-global directory.
var BaseDir = filepath.Join(os.TempDir(), "cpumgr-shm")

func segmentPath(key string, role Role) string {
	return filepath.Join(BaseDir, fmt.Sprintf("%s.%s", key, role))
}

// Open attaches to the segment named (key, role), creating and
// zero-filling + initializing it on first attach. payloadSize is the size
// in bytes of the fixed-size array that follows the header; version
// identifies the on-disk layout so incompatible attaches fail fast.
//
// init is invoked exactly once, on the process that creates the segment,
// with the zero-filled payload slice, before any other process can observe
// it (the file is created with O_EXCL-like serialization via flock).
func Open(key string, role Role, payloadSize int, version uint32, init func(payload []byte)) (*Segment, error) {
	if err := os.MkdirAll(BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("shmem: mkdir base dir: %w", err)
	}

	path := segmentPath(key, role)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: flock %s: %w", path, err)
	}

	totalSize := headerSize + payloadSize
	fi, err := f.Stat()
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}

	firstAttach := fi.Size() == 0
	if firstAttach {
		if err := f.Truncate(int64(totalSize)); err != nil {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			return nil, fmt.Errorf("shmem: truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, totalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}

	s := &Segment{key: key, role: role, file: f, data: data, path: path}

	if firstAttach {
		copy(data[0:8], []byte(magicValue))
		binary.LittleEndian.PutUint32(data[8:12], version)
		binary.LittleEndian.PutUint32(data[12:16], 1) // shmem_size_multiplier default
		binary.LittleEndian.PutUint32(data[16:20], 0) // numAttached, bumped below
		if init != nil {
			init(s.Payload())
		}
	} else {
		gotVersion := binary.LittleEndian.Uint32(data[8:12])
		if string(data[0:8]) != magicValue {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			s.Close()
			return nil, fmt.Errorf("shmem: %s: bad magic, segment corrupted", path)
		}
		if gotVersion != version {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			s.Close()
			return nil, &ErrVersionMismatch{Key: key, Role: role, Got: gotVersion, Expected: version}
		}
	}

	n := binary.LittleEndian.Uint32(data[16:20])
	binary.LittleEndian.PutUint32(data[16:20], n+1)

	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return s, nil
}

// Payload returns the mutable byte slice following the fixed header: the
// fixed-size cpuinfo/procinfo array lives here. Callers must hold the
// segment's Lock while mutating it.
func (s *Segment) Payload() []byte {
	return s.data[headerSize:]
}

// SizeMultiplier returns shmem_size_multiplier, fixed at
// segment creation.
func (s *Segment) SizeMultiplier() uint32 {
	return binary.LittleEndian.Uint32(s.data[12:16])
}

// NumAttached returns the segment's live-attacher reference count.
func (s *Segment) NumAttached() uint32 {
	return binary.LittleEndian.Uint32(s.data[16:20])
}

// Lock acquires the segment's process-shared mutex for the duration of one
// cpuinfo/procinfo operation. Short, non-blocking operations only.
func (s *Segment) Lock() error {
	return unix.Flock(int(s.file.Fd()), unix.LOCK_EX)
}

// Unlock releases the segment's process-shared mutex.
func (s *Segment) Unlock() error {
	return unix.Flock(int(s.file.Fd()), unix.LOCK_UN)
}

// WithLock runs fn with the segment mutex held, always releasing it
// afterwards even if fn panics.
func (s *Segment) WithLock(fn func() error) error {
	if err := s.Lock(); err != nil {
		return err
	}
	defer s.Unlock()
	return fn()
}

// Detach decrements the reference count and, if it reaches zero, unlinks
// the backing file.
func (s *Segment) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Lock(); err != nil {
		return err
	}
	n := s.NumAttached()
	if n > 0 {
		n--
	}
	binary.LittleEndian.PutUint32(s.data[16:20], n)
	unlink := n == 0
	path := s.path
	if err := s.Unlock(); err != nil {
		return err
	}

	if err := s.Close(); err != nil {
		return err
	}
	if unlink {
		_ = os.Remove(path)
	}
	return nil
}

// Close unmaps and closes the backing file without touching the reference
// count or unlinking — used internally on error paths.
func (s *Segment) Close() error {
	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

// Exists reports whether a segment backing file already exists for (key, role).
func Exists(key string, role Role) bool {
	_, err := os.Stat(segmentPath(key, role))
	return err == nil
}
