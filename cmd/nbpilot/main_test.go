package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	origErr := os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		_, _ = io.Copy(&buf, rErr)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	_ = wErr.Close()
	os.Stdout = origOut
	os.Stderr = origErr
	return <-done
}

// execute runs the root command against a fresh flag state.
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	addPriority, testShow, serveAddr, verbose = 0, false, "", false
	rootCmd.SetArgs(append([]string{"--data-dir", dir}, args...))

	var err error
	out := captureOutput(t, func() { err = rootCmd.Execute() })
	logger = zap.NewNop()
	return out, err
}

func setupDataDir(t *testing.T) string {
	t.Helper()
	t.Setenv("NBPILOT_SECRET", "cli-test-secret")
	t.Setenv("NBPILOT_DATA_DIR", "")
	t.Setenv("NBPILOT_STRATEGY", "")
	return t.TempDir()
}

func accountIDs(t *testing.T, dir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "accounts.json"))
	require.NoError(t, err)
	var file struct {
		Accounts []struct {
			ID string `json:"id"`
		} `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(data, &file))
	ids := make([]string, 0, len(file.Accounts))
	for _, a := range file.Accounts {
		ids = append(ids, a.ID)
	}
	return ids
}

func TestAddListRemove(t *testing.T) {
	dir := setupDataDir(t)

	out, err := execute(t, dir, "add", "alice@example.com", "hunter2", "--priority", "4")
	require.NoError(t, err, out)
	assert.Contains(t, out, "a***@example.com")
	assert.Contains(t, out, "Priority: 4")
	assert.NotContains(t, out, "hunter2")

	ids := accountIDs(t, dir)
	require.Len(t, ids, 1)

	out, err = execute(t, dir, "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Accounts (1)")
	assert.Contains(t, out, ids[0])
	assert.Contains(t, out, "a***@example.com")
	assert.NotContains(t, out, "alice@example.com")

	out, err = execute(t, dir, "remove", ids[0])
	require.NoError(t, err, out)
	assert.Contains(t, out, "Remaining accounts: 0")
	assert.Empty(t, accountIDs(t, dir))

	_, err = execute(t, dir, "remove", ids[0])
	assert.Error(t, err)
}

func TestAddStoresSealedCredentials(t *testing.T) {
	dir := setupDataDir(t)

	_, err := execute(t, dir, "add", "bob@example.com", "s3cret-pw", "JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "accounts.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cret-pw")
	assert.NotContains(t, string(data), "JBSWY3DPEHPK3PXP")
}

func TestListEmpty(t *testing.T) {
	dir := setupDataDir(t)

	out, err := execute(t, dir, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No accounts configured.")
}

func TestStrategy(t *testing.T) {
	dir := setupDataDir(t)

	out, err := execute(t, dir, "strategy", "Round_Robin")
	require.NoError(t, err, out)
	assert.Contains(t, out, "round_robin")

	out, err = execute(t, dir, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No accounts configured.")

	_, err = execute(t, dir, "strategy", "fastest")
	assert.Error(t, err)
}

func TestHealthReportsIssues(t *testing.T) {
	dir := setupDataDir(t)
	_, err := execute(t, dir, "add", "carol@example.com", "pw")
	require.NoError(t, err)

	out, err := execute(t, dir, "health")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Total accounts:  1")
	assert.Contains(t, out, "c***@example.com")
	assert.Contains(t, out, "no valid session")
}

func TestTestUnknownAccount(t *testing.T) {
	dir := setupDataDir(t)

	_, err := execute(t, dir, "test", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login failed")
}

func TestStartupWithoutAccountsFails(t *testing.T) {
	dir := setupDataDir(t)

	out, err := execute(t, dir, "startup")
	require.Error(t, err)
	assert.Contains(t, out, "server started without authentication")
}

func TestArgValidation(t *testing.T) {
	dir := setupDataDir(t)

	_, err := execute(t, dir, "add", "only-email@example.com")
	assert.Error(t, err)

	_, err = execute(t, dir, "remove")
	assert.Error(t, err)
}
