package observability

import (
	"bytes"
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"
)

func runShutdown(t *testing.T, sm *ShutdownManager) error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sm.WaitForShutdown()
	}()

	// Let WaitForShutdown install its signal handler before signalling
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("Failed to signal self: %v", err)
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForShutdown did not return")
		return nil
	}
}

func TestShutdownManager_RunsStepsInOrder(t *testing.T) {
	var buf bytes.Buffer
	sm := NewShutdownManager(NewLogger(InfoLevel, &buf), nil, time.Second)

	var order []int
	sm.RegisterShutdownFunc(func(context.Context) error {
		order = append(order, 1)
		return nil
	})
	sm.RegisterShutdownFunc(func(context.Context) error {
		order = append(order, 2)
		return nil
	})

	if err := runShutdown(t, sm); err != nil {
		t.Fatalf("Unexpected shutdown error: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("Expected steps in registration order, got %v", order)
	}
}

func TestShutdownManager_FailedStepDoesNotStrandOthers(t *testing.T) {
	var buf bytes.Buffer
	sm := NewShutdownManager(NewLogger(InfoLevel, &buf), nil, time.Second)

	stepErr := errors.New("close failed")
	var secondRan bool
	sm.RegisterShutdownFunc(func(context.Context) error { return stepErr })
	sm.RegisterShutdownFunc(func(context.Context) error {
		secondRan = true
		return nil
	})

	err := runShutdown(t, sm)
	if !errors.Is(err, stepErr) {
		t.Errorf("Expected the first step's error, got %v", err)
	}
	if !secondRan {
		t.Error("Later step should run despite an earlier failure")
	}
}
