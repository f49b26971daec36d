package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// Device letters are scanned from z down to f; letters below f are reserved
// for the host's own disks.
const (
	firstLetter = 'z'
	lastLetter  = 'f'
)

// DeviceLease holds exclusive use of one attachment letter on this host.
// Two concurrent attachments racing for the same device path corrupt both
// archives, so the letter namespace is guarded by flock. The kernel drops a
// flock when its holder dies, so a crashed worker cannot wedge the scan; the
// PID in the lock file is kept for diagnostics and for spotting stale files
// left by unclean shutdowns.
type DeviceLease struct {
	Letter string
	lock   *flock.Flock
	path   string
}

// LeaseDevice claims the first free device letter, scanning z down to f.
func LeaseDevice(dir string) (*DeviceLease, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	for letter := firstLetter; letter >= lastLetter; letter-- {
		path := filepath.Join(dir, fmt.Sprintf("bex-device-%c.lock", letter))
		lock := flock.New(path)
		ok, err := lock.TryLock()
		if err != nil {
			continue
		}
		if !ok {
			continue
		}
		if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			_ = lock.Unlock()
			continue
		}
		return &DeviceLease{Letter: string(letter), lock: lock, path: path}, nil
	}
	return nil, fmt.Errorf("no free device letter between %c and %c", lastLetter, firstLetter)
}

// Release frees the letter for the next attachment.
func (l *DeviceLease) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}

// StaleLocks lists device lock files in dir whose recorded holder no longer
// runs. The flock itself died with the holder, so these letters are already
// reclaimable; the files are reported at worker startup so unclean shutdowns
// are visible.
func StaleLocks(dir string) []string {
	if dir == "" {
		dir = os.TempDir()
	}
	matches, err := filepath.Glob(filepath.Join(dir, "bex-device-?.lock"))
	if err != nil {
		return nil
	}
	var stale []string
	for _, path := range matches {
		if StaleHolder(path) {
			stale = append(stale, path)
		}
	}
	return stale
}

// StaleHolder reports whether the lock file at path names a process that no
// longer exists.
func StaleHolder(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) != nil
}
