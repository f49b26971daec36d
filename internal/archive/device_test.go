package archive

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestLeaseDeviceScansDown(t *testing.T) {
	dir := t.TempDir()

	first, err := LeaseDevice(dir)
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	defer first.Release()
	if first.Letter != "z" {
		t.Fatalf("first lease should claim z, got %s", first.Letter)
	}

	second, err := LeaseDevice(dir)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	defer second.Release()
	if second.Letter != "y" {
		t.Fatalf("second lease should skip the held letter, got %s", second.Letter)
	}
}

func TestReleaseFreesLetter(t *testing.T) {
	dir := t.TempDir()

	lease, err := LeaseDevice(dir)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	again, err := LeaseDevice(dir)
	if err != nil {
		t.Fatalf("re-lease: %v", err)
	}
	defer again.Release()
	if again.Letter != "z" {
		t.Fatalf("released letter should be reclaimed, got %s", again.Letter)
	}
}

func TestLeaseWritesHolderPID(t *testing.T) {
	dir := t.TempDir()
	lease, err := LeaseDevice(dir)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	defer lease.Release()

	data, err := os.ReadFile(filepath.Join(dir, "bex-device-z.lock"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock file should name this process, got %q", data)
	}
}

func TestStaleLocks(t *testing.T) {
	dir := t.TempDir()
	dead := filepath.Join(dir, "bex-device-x.lock")
	if err := os.WriteFile(dead, []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}
	live := filepath.Join(dir, "bex-device-y.lock")
	if err := os.WriteFile(live, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "unrelated.lock"), []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}

	stale := StaleLocks(dir)
	if len(stale) != 1 || stale[0] != dead {
		t.Fatalf("expected only the dead holder's device lock, got %v", stale)
	}
}

func TestStaleHolder(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "live.lock")
	if err := os.WriteFile(live, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	if StaleHolder(live) {
		t.Fatal("a running process is not stale")
	}

	dead := filepath.Join(dir, "dead.lock")
	if err := os.WriteFile(dead, []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !StaleHolder(dead) {
		t.Fatal("a vanished process is stale")
	}

	garbage := filepath.Join(dir, "garbage.lock")
	if err := os.WriteFile(garbage, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if StaleHolder(garbage) {
		t.Fatal("unparseable lock files are not treated as stale")
	}
}
