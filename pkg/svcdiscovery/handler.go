package svcdiscovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/zerowire/zerowire/pkg/config"
)

// HandlerExitNonZero reports a start/stop command that exited with a
// non-zero status; the caller decides whether that leaves the service
// unmarked (for start) or is merely logged (for stop).
type HandlerExitNonZero struct {
	Type string
	Cmd  string
	Err  error
}

func (e *HandlerExitNonZero) Error() string {
	return fmt.Sprintf("svcdiscovery: handler for %q exited non-zero running %q: %v", e.Type, e.Cmd, e.Err)
}

func (e *HandlerExitNonZero) Unwrap() error { return e.Err }

const (
	terminateWait = 2 * time.Second
	killRetries   = 3
)

// runHandler runs a service handler's shell string with the environment
// variables spec.md §6 defines. If ctx is canceled mid-run, the child is
// stopped with terminateThenKill's SIGTERM-then-SIGKILL sequence.
func runHandler(ctx context.Context, shellCmd string, svc ServiceData) error {
	if shellCmd == "" {
		return nil
	}

	props, err := json.Marshal(svc.Properties)
	if err != nil {
		props = []byte("{}")
	}

	// exec.Command, not exec.CommandContext: the latter's default
	// Cancel is an immediate SIGKILL fired by its own goroutine the
	// instant ctx is done, which would race terminateThenKill's
	// SIGTERM-first escalation below. Cancellation here is owned
	// entirely by the select on ctx.Done().
	cmd := exec.Command("sh", "-c", shellCmd)
	cmd.Env = append(cmd.Environ(),
		"ZW_SVC_TYPE="+svc.Type,
		"ZW_SVC_NAME="+svc.Name,
		"ZW_SVC_PORT="+strconv.Itoa(int(svc.Port)),
		"ZW_SVC_TARGET="+svc.Target,
		"ZW_SVC_PROPERTIES="+string(props),
	)

	if err := cmd.Start(); err != nil {
		return &HandlerExitNonZero{Type: svc.Type, Cmd: shellCmd, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return &HandlerExitNonZero{Type: svc.Type, Cmd: shellCmd, Err: err}
		}
		return nil
	case <-ctx.Done():
		return terminateThenKill(cmd, done)
	}
}

// terminateThenKill implements the cancellation sequence spec.md §5
// requires: up to killRetries rounds of SIGTERM followed by a wait of up
// to terminateWait, then SIGKILL and a final wait, so a stuck child is
// never left running. Only the sh process itself is signalled.
func terminateThenKill(cmd *exec.Cmd, done chan error) error {
	for attempt := 0; attempt < killRetries; attempt++ {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case err := <-done:
			return err
		case <-time.After(terminateWait):
		}
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return <-done
}

// stopAll runs the stop command for every service name previously known
// for a removed peer, per spec.md §4.J's peer-removal sequence.
func stopAll(ctx context.Context, handlers map[string]config.ServiceHandler, known map[string]ServiceData, log *slog.Logger) {
	for _, svc := range known {
		h, ok := handlers[svc.Type]
		if !ok || h.Stop == "" {
			continue
		}
		if err := runHandler(ctx, h.Stop, svc); err != nil {
			log.Warn("stop handler failed", slog.String("type", svc.Type), slog.String("name", svc.Name), slog.Any("error", err))
		}
	}
}
