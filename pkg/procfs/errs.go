package procfs

import "errors"

var (
	// ErrNoStat indicates /proc/<pid>/stat was empty or malformed.
	ErrNoStat = errors.New("procfs: malformed or empty stat")

	// ErrShortStat indicates /proc/<pid>/stat had fewer fields than expected.
	ErrShortStat = errors.New("procfs: short stat")
)
