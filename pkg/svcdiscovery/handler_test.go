package svcdiscovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunHandlerPassesEnvironment(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "out")

	svc := ServiceData{
		Type:       "_rar._tcp.",
		Name:       "x",
		Port:       123,
		Target:     "myhost.zerowire.",
		Properties: map[string]string{"ro": "true"},
	}

	cmd := "printf '%s|%s|%s|%s|%s' \"$ZW_SVC_TYPE\" \"$ZW_SVC_NAME\" \"$ZW_SVC_PORT\" \"$ZW_SVC_TARGET\" \"$ZW_SVC_PROPERTIES\" > " + outFile

	if err := runHandler(context.Background(), cmd, svc); err != nil {
		t.Fatalf("runHandler: %v", err)
	}

	got, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	want := `_rar._tcp.|x|123|myhost.zerowire.|{"ro":"true"}`
	if string(got) != want {
		t.Errorf("env output = %q, want %q", got, want)
	}
}

func TestRunHandlerNonZeroExit(t *testing.T) {
	svc := ServiceData{Type: "_rar._tcp.", Name: "x"}
	err := runHandler(context.Background(), "exit 1", svc)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	var exitErr *HandlerExitNonZero
	if !errors.As(err, &exitErr) {
		t.Fatalf("error type = %T, want *HandlerExitNonZero", err)
	}
}

func TestRunHandlerDeliversSIGTERMBeforeKill(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	// sleep runs in the background under `wait` so sh can run its TERM trap
	// as soon as the signal arrives, instead of after a foreground sleep.
	cmd := fmt.Sprintf(`trap 'touch %s; exit 0' TERM; sleep 30 & wait`, marker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runHandler(ctx, cmd, ServiceData{}) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runHandler did not return after cancellation")
	}

	if _, err := os.Stat(marker); err != nil {
		t.Error("child did not receive SIGTERM before being killed; cancellation is preempting the graceful shutdown sequence")
	}
}

func TestRunHandlerEmptyCommandIsNoop(t *testing.T) {
	if err := runHandler(context.Background(), "", ServiceData{}); err != nil {
		t.Errorf("expected nil error for empty command, got %v", err)
	}
}
