package pkgstate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// holdTokenEnv names the token a child test process should hold.
const holdTokenEnv = "PKGSTATE_TEST_HOLD_TOKEN"

func testLocker(t *testing.T) (*Locker, string) {
	t.Helper()
	return NewLocker(Config{PollInterval: 10 * time.Millisecond}), filepath.Join(t.TempDir(), "state.lock")
}

// TestLockExcludes holds a token and checks that a second, unbounded
// Acquire stays blocked until the first holder releases. flock is per open
// file description, so two handles in one process contend the same way two
// processes would.
func TestLockExcludes(t *testing.T) {
	lk, token := testLocker(t)

	first, err := lk.Acquire(context.Background(), token, Unbounded())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		second, err := lk.Acquire(context.Background(), token, Unbounded())
		if err == nil {
			err = second.Release()
		}
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("second acquire succeeded while first held the lock")
	case <-time.After(100 * time.Millisecond):
		// Expected: still waiting
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

// TestHoldTokenChild is the body of the child process started by
// TestLockExcludesProcess. It holds the token until stdin closes.
func TestHoldTokenChild(t *testing.T) {
	token := os.Getenv(holdTokenEnv)
	if token == "" {
		t.Skip("only runs as a child of TestLockExcludesProcess")
	}
	l, err := NewLocker(Config{}).Acquire(context.Background(), token, Bounded(5*time.Second))
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	fmt.Println("held")
	io.Copy(io.Discard, os.Stdin)
	l.Release()
	os.Exit(0)
}

// TestLockExcludesProcess re-executes the test binary so that a separate
// OS process holds the token. The parent must time out while the child
// holds it and acquire once the child has exited.
func TestLockExcludesProcess(t *testing.T) {
	lk, token := testLocker(t)

	cmd := exec.Command(os.Args[0], "-test.run=^TestHoldTokenChild$")
	cmd.Env = append(os.Environ(), holdTokenEnv+"="+token)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	held := make(chan bool, 1)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sc := bufio.NewScanner(stdout)
		signalled := false
		for sc.Scan() {
			if !signalled && sc.Text() == "held" {
				held <- true
				signalled = true
			}
		}
		if !signalled {
			held <- false
		}
	}()

	stop := func() {
		stdin.Close()
		<-drained
		cmd.Wait()
	}

	select {
	case ok := <-held:
		if !ok {
			stop()
			t.Fatal("child exited without taking the token")
		}
	case <-time.After(10 * time.Second):
		cmd.Process.Kill()
		stop()
		t.Fatal("child did not take the token")
	}

	_, err = lk.Acquire(context.Background(), token, Bounded(100*time.Millisecond))
	if !errors.Is(err, ErrLockTimeout) {
		stop()
		t.Fatalf("acquire while child holds token: err = %v, want ErrLockTimeout", err)
	}
	if busy, err := lk.Busy(token); err != nil || !busy {
		t.Errorf("Busy = %v, %v; want true", busy, err)
	}

	stop()

	l, err := lk.Acquire(context.Background(), token, Bounded(5*time.Second))
	if err != nil {
		t.Fatalf("acquire after child exit: %v", err)
	}
	l.Release()
}

func TestAcquireBoundedTimeout(t *testing.T) {
	lk, token := testLocker(t)

	held, err := lk.Acquire(context.Background(), token, Unbounded())
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	start := time.Now()
	_, err = lk.Acquire(context.Background(), token, Bounded(150*time.Millisecond))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("gave up after %v, before the 150ms bound", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("gave up after %v, long past the 150ms bound", elapsed)
	}
}

// TestAcquireBoundedAfterRelease checks the other half of the bounded
// contract: a holder that lets go inside the bound hands the lock over.
func TestAcquireBoundedAfterRelease(t *testing.T) {
	lk, token := testLocker(t)

	held, err := lk.Acquire(context.Background(), token, Unbounded())
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		held.Release()
	}()

	l, err := lk.Acquire(context.Background(), token, Bounded(2*time.Second))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Release()
}

func TestAcquireZeroWait(t *testing.T) {
	lk, token := testLocker(t)

	l, err := lk.Acquire(context.Background(), token, Bounded(0))
	if err != nil {
		t.Fatalf("uncontended zero wait: %v", err)
	}

	start := time.Now()
	_, err = lk.Acquire(context.Background(), token, Bounded(0))
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("contended zero wait: err = %v, want ErrLockTimeout", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("zero wait should not sleep")
	}
	l.Release()
}

func TestAcquireCancelled(t *testing.T) {
	lk, token := testLocker(t)

	held, err := lk.Acquire(context.Background(), token, Unbounded())
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = lk.Acquire(ctx, token, Unbounded())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrLockTimeout) {
		t.Error("cancellation must not look like a timeout")
	}
}

// TestAcquireMissingDir checks that an OS failure creating the token is
// returned straight away rather than retried until the bound.
func TestAcquireMissingDir(t *testing.T) {
	lk, _ := testLocker(t)
	token := filepath.Join(t.TempDir(), "missing", "dir", "x.lock")

	start := time.Now()
	_, err := lk.Acquire(context.Background(), token, Bounded(5*time.Second))
	if err == nil {
		t.Fatal("expected error for token in missing directory")
	}
	if errors.Is(err, ErrLockTimeout) {
		t.Errorf("err = %v, should not be a timeout", err)
	}
	if time.Since(start) > time.Second {
		t.Error("OS error was retried")
	}
}

func TestTokenFileLeftBehind(t *testing.T) {
	lk, token := testLocker(t)

	l, err := lk.Acquire(context.Background(), token, Unbounded())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(token); err != nil {
		t.Fatalf("token should exist while held: %v", err)
	}
	l.Release()
	if _, err := os.Stat(token); err != nil {
		t.Errorf("token should survive release: %v", err)
	}
}

func TestReleaseTwice(t *testing.T) {
	lk, token := testLocker(t)

	l, err := lk.Acquire(context.Background(), token, Unbounded())
	if err != nil {
		t.Fatal(err)
	}
	if l.Token() != token {
		t.Errorf("Token() = %q, want %q", l.Token(), token)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

// TestWithReleasesOnPanic makes sure a panicking critical section does not
// leave the token held for the rest of the process.
func TestWithReleasesOnPanic(t *testing.T) {
	lk, token := testLocker(t)

	func() {
		defer func() { recover() }()
		lk.With(context.Background(), token, Unbounded(), func() error {
			panic("boom")
		})
	}()

	l, err := lk.Acquire(context.Background(), token, Bounded(0))
	if err != nil {
		t.Fatalf("token still held after panic: %v", err)
	}
	l.Release()
}

func TestWithReturnsError(t *testing.T) {
	lk, token := testLocker(t)
	want := errors.New("inner")

	err := lk.With(context.Background(), token, Unbounded(), func() error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestBusy(t *testing.T) {
	lk, token := testLocker(t)

	busy, err := lk.Busy(token)
	if err != nil {
		t.Fatal(err)
	}
	if busy {
		t.Fatal("free token reported busy")
	}

	held, err := lk.Acquire(context.Background(), token, Unbounded())
	if err != nil {
		t.Fatal(err)
	}
	busy, err = lk.Busy(token)
	if err != nil {
		t.Fatal(err)
	}
	if !busy {
		t.Fatal("held token reported free")
	}

	held.Release()
	busy, err = lk.Busy(token)
	if err != nil {
		t.Fatal(err)
	}
	if busy {
		t.Fatal("token reported busy after release")
	}
}

// TestBusyDoesNotHold checks the probe lets go of a lock it obtained, so
// a Bounded(0) acquire straight after succeeds.
func TestBusyDoesNotHold(t *testing.T) {
	lk, token := testLocker(t)

	if _, err := lk.Busy(token); err != nil {
		t.Fatal(err)
	}
	l, err := lk.Acquire(context.Background(), token, Bounded(0))
	if err != nil {
		t.Fatalf("probe left token held: %v", err)
	}
	l.Release()
}

func TestLockPath(t *testing.T) {
	if got := LockPath("/srv/index/pkg.toml"); got != "/srv/index/pkg.toml.lock" {
		t.Errorf("LockPath = %q", got)
	}
}
