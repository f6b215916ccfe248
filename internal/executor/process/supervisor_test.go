//go:build unix

package process

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/grahama1970/cc-executor/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return NewSupervisor(500*time.Millisecond, newTestLogger(t))
}

func TestSpawnAndWait(t *testing.T) {
	s := newTestSupervisor(t)

	h, err := s.Spawn(context.Background(), "echo hello", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer s.Cleanup(context.Background(), h)

	out, err := io.ReadAll(h.Stdout())
	if err != nil {
		t.Fatalf("reading stdout failed: %v", err)
	}
	if string(out) != "hello\n" {
		t.Errorf("stdout = %q, want %q", out, "hello\n")
	}

	if code := h.Wait(); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestWaitReturnsNonZeroExitCode(t *testing.T) {
	s := newTestSupervisor(t)

	h, err := s.Spawn(context.Background(), "exit 3", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer s.Cleanup(context.Background(), h)

	if code := h.Wait(); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestWaitIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t)

	h, err := s.Spawn(context.Background(), "exit 7", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer s.Cleanup(context.Background(), h)

	if a, b := h.Wait(), h.Wait(); a != b || a != 7 {
		t.Errorf("Wait results differ: %d vs %d", a, b)
	}
}

func TestMissingBinaryExitsNonZero(t *testing.T) {
	s := newTestSupervisor(t)

	// sh itself starts fine; the missing binary surfaces as a nonzero exit.
	h, err := s.Spawn(context.Background(), "definitely-not-a-real-binary-xyz", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer s.Cleanup(context.Background(), h)

	if code := h.Wait(); code == 0 {
		t.Error("expected nonzero exit for missing binary")
	}
}

func TestSpawnSetsEnvironment(t *testing.T) {
	s := newTestSupervisor(t)

	h, err := s.Spawn(context.Background(), "printf '%s' \"$CC_TEST_MARKER\"",
		map[string]string{"CC_TEST_MARKER": "present"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer s.Cleanup(context.Background(), h)

	out, _ := io.ReadAll(h.Stdout())
	if string(out) != "present" {
		t.Errorf("env var not propagated, stdout = %q", out)
	}
	h.Wait()
}

func TestTerminateEscalation(t *testing.T) {
	s := newTestSupervisor(t)

	h, err := s.Spawn(context.Background(), "sleep 30", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	waited := make(chan int, 1)
	go func() { waited <- h.Wait() }()

	if err := s.Signal(h, SignalTerminate); err != nil {
		t.Fatalf("Signal(terminate) failed: %v", err)
	}

	select {
	case code := <-waited:
		if code == 0 {
			t.Errorf("terminated process returned exit code 0")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped after terminate")
	}

	s.Cleanup(context.Background(), h)
}

func TestPauseAndResume(t *testing.T) {
	s := newTestSupervisor(t)

	h, err := s.Spawn(context.Background(), "sleep 10", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer s.Cleanup(context.Background(), h)

	if err := s.Signal(h, SignalPause); err != nil {
		t.Errorf("Signal(pause) failed: %v", err)
	}
	if err := s.Signal(h, SignalResume); err != nil {
		t.Errorf("Signal(resume) failed: %v", err)
	}

	s.Cleanup(context.Background(), h)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped after cleanup")
	}
}

func TestSignalAfterExitIsNoOp(t *testing.T) {
	s := newTestSupervisor(t)

	h, err := s.Spawn(context.Background(), "true", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	h.Wait()

	if err := s.Signal(h, SignalPause); err != nil {
		t.Errorf("signaling an exited process should be a no-op, got %v", err)
	}
	s.Cleanup(context.Background(), h)
}

func TestCleanupIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t)

	h, err := s.Spawn(context.Background(), "sleep 30", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	go h.Wait()
	s.Cleanup(context.Background(), h)
	s.Cleanup(context.Background(), h)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped")
	}
}

func TestCleanupKillsProcessGroupChildren(t *testing.T) {
	s := newTestSupervisor(t)

	// The shell spawns a child; killing the group must take both down.
	h, err := s.Spawn(context.Background(), "sleep 30 & sleep 30", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	go h.Wait()
	done := make(chan struct{})
	go func() {
		s.Cleanup(context.Background(), h)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("cleanup did not finish")
	}
}
