package lock

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/agxlabs/agx/internal/fsatomic"
	"github.com/agxlabs/agx/internal/layout"
)

func TestAcquireRelease(t *testing.T) {
	l := layout.Layout{Root: t.TempDir()}
	lk, err := Acquire(l, "proj", "task")
	if err != nil {
		t.Fatal(err)
	}
	if !fsatomic.Exists(l.LockFile("proj", "task")) {
		t.Fatal("lock file missing after acquire")
	}
	if err := lk.Release(); err != nil {
		t.Fatal(err)
	}
	if fsatomic.Exists(l.LockFile("proj", "task")) {
		t.Fatal("lock file present after release")
	}
	if err := lk.Release(); err != nil {
		t.Fatalf("double release should be a no-op: %v", err)
	}
}

func TestAcquire_LiveForeignLockRefused(t *testing.T) {
	l := layout.Layout{Root: t.TempDir()}
	info := Info{PID: 999999, At: time.Now().UTC().Format(time.RFC3339), Host: "elsewhere"}
	if err := fsatomic.EnsureDir(l.TaskDir("proj", "task")); err != nil {
		t.Fatal(err)
	}
	if err := fsatomic.WriteJSON(l.LockFile("proj", "task"), info); err != nil {
		t.Fatal(err)
	}

	_, err := Acquire(l, "proj", "task")
	var held *ErrHeld
	if !errors.As(err, &held) {
		t.Fatalf("got %v want ErrHeld", err)
	}
	if held.Info.PID != 999999 {
		t.Fatalf("got pid %d want 999999", held.Info.PID)
	}
}

func TestAcquire_StaleLockStolen(t *testing.T) {
	l := layout.Layout{Root: t.TempDir()}
	old := time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339)
	info := Info{PID: 999999, At: old, Host: "elsewhere"}
	if err := fsatomic.EnsureDir(l.TaskDir("proj", "task")); err != nil {
		t.Fatal(err)
	}
	if err := fsatomic.WriteJSON(l.LockFile("proj", "task"), info); err != nil {
		t.Fatal(err)
	}

	lk, err := Acquire(l, "proj", "task")
	if err != nil {
		t.Fatalf("stale lock should be stolen: %v", err)
	}
	defer lk.Release()
}

func TestAcquire_ReentrantForSamePID(t *testing.T) {
	l := layout.Layout{Root: t.TempDir()}
	lk1, err := Acquire(l, "proj", "task")
	if err != nil {
		t.Fatal(err)
	}
	defer lk1.Release()
	lk2, err := Acquire(l, "proj", "task")
	if err != nil {
		t.Fatalf("same process should reacquire: %v", err)
	}
	defer lk2.Release()
}

func TestAcquire_ExclusiveCreateWritesRecord(t *testing.T) {
	l := layout.Layout{Root: t.TempDir()}
	lk, err := Acquire(l, "proj", "task")
	if err != nil {
		t.Fatal(err)
	}
	defer lk.Release()

	// The fast path creates the file with O_EXCL and a full record, so a
	// racing second acquirer hits EEXIST and the stale check.
	var info Info
	found, err := fsatomic.ReadJSON(l.LockFile("proj", "task"), &info)
	if err != nil || !found {
		t.Fatalf("lock record unreadable: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Fatalf("got pid %d want %d", info.PID, os.Getpid())
	}
	if info.Token == "" || info.At == "" {
		t.Fatalf("incomplete record: %+v", info)
	}
}

func TestStaleThreshold_EnvOverride(t *testing.T) {
	t.Setenv(EnvStaleMs, "1500")
	if got := StaleThreshold(); got != 1500*time.Millisecond {
		t.Fatalf("got %v want 1.5s", got)
	}
	t.Setenv(EnvStaleMs, "bogus")
	if got := StaleThreshold(); got != defaultStaleMs*time.Millisecond {
		t.Fatalf("got %v want default", got)
	}
}
