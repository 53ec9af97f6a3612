package portal_executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/campusnet/portal-keeper/src/config_manager"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// exit status a driver uses to say its input is unusable
const driverConfigExitCode = 2

const defaultReapTimeout = 5 * time.Second

// CommandExecutor delegates login and logout to an external driver, typically
// a browser-automation script. It is invoked as `command args... login|logout`
// with the credentials in its environment.
type CommandExecutor struct {
	command     string
	args        []string
	reapTimeout time.Duration
}

var _ Executor = (*CommandExecutor)(nil)

// NewCommandExecutor creates an executor running cfg.Command
func NewCommandExecutor(cfg config_manager.ExecutorConfig) (*CommandExecutor, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, &ConfigError{Field: "executor.command", Reason: "missing"}
	}
	return &CommandExecutor{
		command:     cfg.Command,
		args:        append([]string(nil), cfg.Args...),
		reapTimeout: defaultReapTimeout,
	}, nil
}

func (e *CommandExecutor) Login(ctx context.Context, creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	return e.run(ctx, "login", creds)
}

func (e *CommandExecutor) Logout(ctx context.Context, creds Credentials) error {
	if err := validateURL("portal_url", creds.PortalURL); err != nil {
		return err
	}
	return e.run(ctx, "logout", creds)
}

// run starts the driver in its own process group and does not return until
// the process has been reaped and both output streams drained.
func (e *CommandExecutor) run(ctx context.Context, action string, creds Credentials) error {
	args := append(append([]string(nil), e.args...), action)
	cmd := exec.Command(e.command, args...)
	cmd.Env = append(os.Environ(),
		"PORTAL_USERNAME="+creds.Username,
		"PORTAL_PASSWORD="+creds.Password,
		"PORTAL_ISP="+string(creds.ISP),
		"PORTAL_URL="+creds.PortalURL,
	)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ResourceError{Op: "open driver stdout", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ResourceError{Op: "open driver stderr", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &ResourceError{Op: "start " + action + " driver", Err: err}
	}

	log := logger.WithFields(logrus.Fields{
		"action": action,
		"pid":    cmd.Process.Pid,
	})
	log.Debug("Driver started")

	var (
		wg       sync.WaitGroup
		lastLine string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainLines(stdout, func(line string) { log.WithField("stream", "stdout").Debug(line) })
	}()
	go func() {
		defer wg.Done()
		drainLines(stderr, func(line string) {
			lastLine = line
			log.WithField("stream", "stderr").Debug(line)
		})
	}()

	// pipes must be fully read before Wait closes them
	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		log.Warn("Attempt cancelled, killing driver process group")
		return multierr.Combine(ctx.Err(), e.teardown(cmd, waitDone))
	}

	if waitErr == nil {
		log.Debug("Driver finished")
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return &ResourceError{Op: "wait for driver", Err: waitErr}
	}
	code := exitErr.ExitCode()
	reason := nonEmpty(lastLine, fmt.Sprintf("driver exited with status %d", code))
	if code == driverConfigExitCode {
		return &ConfigError{Field: "credentials", Reason: reason}
	}
	return &LoginError{Reason: reason, Code: code}
}

// teardown kills the driver's process group and waits, for a bounded time,
// until it has been reaped.
func (e *CommandExecutor) teardown(cmd *exec.Cmd, waitDone <-chan error) error {
	var errs error
	if err := killProcessGroup(cmd); err != nil {
		errs = multierr.Append(errs, &ResourceError{Op: "kill driver", Err: err})
	}

	timer := time.NewTimer(e.reapTimeout)
	defer timer.Stop()
	select {
	case <-waitDone:
	case <-timer.C:
		errs = multierr.Append(errs, &ResourceError{Op: "reap driver", Err: errors.New("process did not exit after kill")})
	}
	return errs
}

func drainLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			fn(line)
		}
	}
	// keep reading past an oversized line so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}
