//go:build !windows

package portal_executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/campusnet/portal-keeper/src/config_manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellExecutor(t *testing.T, script string) *CommandExecutor {
	t.Helper()
	// sh -c script driver <action>: the action arrives as $1
	exec, err := NewCommandExecutor(config_manager.ExecutorConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", script, "driver"},
	})
	require.NoError(t, err)
	return exec
}

var testCreds = Credentials{
	Username:  "alice",
	Password:  "s3cret",
	ISP:       ISPTelecom,
	PortalURL: "http://10.1.1.1",
}

func TestCommandExecutor_PassesCredentialsThroughEnvironment(t *testing.T) {
	exec := shellExecutor(t, `
case "$*" in *s3cret*) echo "password leaked into argv" >&2; exit 1;; esac
test "$1" = login || exit 1
test "$PORTAL_USERNAME" = alice || exit 1
test "$PORTAL_PASSWORD" = s3cret || exit 1
test "$PORTAL_ISP" = telecom || exit 1
test "$PORTAL_URL" = http://10.1.1.1 || exit 1
echo "logged in"
`)
	assert.NoError(t, exec.Login(context.Background(), testCreds))
}

func TestCommandExecutor_Logout(t *testing.T) {
	exec := shellExecutor(t, `test "$1" = logout`)
	assert.NoError(t, exec.Logout(context.Background(), testCreds))
}

func TestCommandExecutor_ExitCodes(t *testing.T) {
	t.Run("config error", func(t *testing.T) {
		exec := shellExecutor(t, `echo "unknown account" >&2; exit 2`)
		err := exec.Login(context.Background(), testCreds)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "unknown account", cfgErr.Reason)
	})

	t.Run("login failure uses last stderr line", func(t *testing.T) {
		exec := shellExecutor(t, `echo "loading page" >&2; echo "still on login page" >&2; exit 1`)
		err := exec.Login(context.Background(), testCreds)
		var loginErr *LoginError
		require.ErrorAs(t, err, &loginErr)
		assert.Equal(t, "still on login page", loginErr.Reason)
		assert.Equal(t, 1, loginErr.Code)
	})

	t.Run("silent failure", func(t *testing.T) {
		exec := shellExecutor(t, `exit 7`)
		err := exec.Login(context.Background(), testCreds)
		var loginErr *LoginError
		require.ErrorAs(t, err, &loginErr)
		assert.Equal(t, "driver exited with status 7", loginErr.Reason)
	})
}

func TestCommandExecutor_MissingBinaryIsResourceError(t *testing.T) {
	exec, err := NewCommandExecutor(config_manager.ExecutorConfig{Command: "/nonexistent/portal-driver"})
	require.NoError(t, err)

	err = exec.Login(context.Background(), testCreds)
	assert.True(t, IsResourceError(err))
}

func TestCommandExecutor_CancelKillsProcessGroup(t *testing.T) {
	// the backgrounded sleep keeps stdout open; run only returns once the
	// whole group is gone
	exec := shellExecutor(t, `sleep 30 & wait`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := exec.Login(ctx, testCreds)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, IsResourceError(err), "teardown should succeed: %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommandExecutor_ValidatesBeforeStarting(t *testing.T) {
	exec := shellExecutor(t, `exit 0`)
	creds := testCreds
	creds.Username = ""
	assert.True(t, IsConfigError(exec.Login(context.Background(), creds)))
}
