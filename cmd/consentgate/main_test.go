package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/consentgate/pkg/contracts"
	"github.com/relaymesh/consentgate/pkg/envelope"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
enabled: true
store:
  backend: file
  path: %s
wal:
  dir: %s
`, filepath.Join(dir, "tokens.json"), filepath.Join(dir, "wal"))
	path := filepath.Join(dir, "consentgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"consentgate"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestIssueConsumeLifecycle(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, out, errOut := runCLI(t, "issue",
		"--config", cfgPath,
		"--tool", "payments.transfer",
		"--session", "sess-1",
		"--tier", "T2",
		"--context", "ctx-abc")
	require.Equal(t, 0, code, errOut)

	var issued struct {
		Token struct {
			JTI string `json:"jti"`
		} `json:"token"`
		Decision struct {
			Allowed bool `json:"allowed"`
		} `json:"decision"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &issued))
	require.True(t, issued.Decision.Allowed)
	require.NotEmpty(t, issued.Token.JTI)

	// Consumption succeeds once.
	code, _, errOut = runCLI(t, "consume",
		"--config", cfgPath,
		"--jti", issued.Token.JTI,
		"--tool", "payments.transfer",
		"--session", "sess-1",
		"--tier", "T2",
		"--context", "ctx-abc")
	require.Equal(t, 0, code, errOut)

	// The token is single use; the replay is rejected.
	code, out, _ = runCLI(t, "consume",
		"--config", cfgPath,
		"--jti", issued.Token.JTI,
		"--tool", "payments.transfer",
		"--session", "sess-1",
		"--tier", "T2",
		"--context", "ctx-abc")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "TOKEN_ALREADY_CONSUMED")
}

func TestRevokeThenConsumeDenied(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, out, _ := runCLI(t, "issue",
		"--config", cfgPath,
		"--tool", "files.delete",
		"--session", "sess-2",
		"--context", "ctx-1")
	var issued struct {
		Token struct {
			JTI string `json:"jti"`
		} `json:"token"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &issued))

	code, out, errOut := runCLI(t, "revoke", "--config", cfgPath, "--jti", issued.Token.JTI)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"revoked": 1`)

	code, out, _ = runCLI(t, "consume",
		"--config", cfgPath,
		"--jti", issued.Token.JTI,
		"--tool", "files.delete",
		"--session", "sess-2",
		"--context", "ctx-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "TOKEN_REVOKED")
}

func TestTailPrintsJournal(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, _, _ = runCLI(t, "issue",
		"--config", cfgPath,
		"--tool", "payments.transfer",
		"--session", "sess-1",
		"--context", "ctx-abc")

	code, out, errOut := runCLI(t, "tail", "--config", cfgPath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "CONSENT_ISSUED")
}

func TestStatusReportsTokens(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, _, _ = runCLI(t, "issue",
		"--config", cfgPath,
		"--tool", "payments.transfer",
		"--session", "sess-1",
		"--context", "ctx-abc")

	code, out, errOut := runCLI(t, "status", "--config", cfgPath, "--session", "sess-1")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "payments.transfer")
}

func TestVerifyEnvelope(t *testing.T) {
	key := "0123456789abcdef0123456789abcdef"
	now := time.Now().UnixMilli()
	sealed, err := envelope.Seal(&contracts.ConsentToken{
		JTI:        "jti-cli",
		Tool:       "payments.transfer",
		TrustTier:  "T2",
		SessionKey: "sess-1",
		IssuedAt:   now,
		ExpiresAt:  now + 60_000,
	}, []byte(key))
	require.NoError(t, err)

	code, out, errOut := runCLI(t, "verify", "--envelope", sealed, "--key", key)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"valid": true`)
	assert.Contains(t, out, "jti-cli")

	code, _, errOut = runCLI(t, "verify", "--envelope", sealed, "--key", "wrong-key")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Verification failed")
}

func TestVerifyStoreIntegrity(t *testing.T) {
	cfgPath := writeTestConfig(t)

	// A healthy store with one live token.
	_, _, _ = runCLI(t, "issue",
		"--config", cfgPath,
		"--tool", "payments.transfer",
		"--session", "sess-1",
		"--context", "ctx-abc")

	code, out, errOut := runCLI(t, "verify", "--config", cfgPath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"issued": 1`)
	assert.Contains(t, out, `"overdue_expired": 0`)

	// An overdue token is flagged, and --prune flips it.
	_, _, _ = runCLI(t, "issue",
		"--config", cfgPath,
		"--tool", "payments.transfer",
		"--session", "sess-2",
		"--context", "ctx-abc",
		"--ttl-ms", "1")
	time.Sleep(5 * time.Millisecond)

	code, out, _ = runCLI(t, "verify", "--config", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, `"overdue_expired": 1`)

	code, out, errOut = runCLI(t, "verify", "--config", cfgPath, "--prune")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"pruned": 1`)
}

func TestDisabledGateCommandsDoNotPanic(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "consentgate.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("enabled: false\n"), 0o600))

	code, out, errOut := runCLI(t, "verify", "--config", cfgPath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"enabled": false`)

	code, _, errOut = runCLI(t, "status", "--config", cfgPath)
	require.Equal(t, 0, code, errOut)

	code, _, errOut = runCLI(t, "tail", "--config", cfgPath)
	require.Equal(t, 0, code, errOut)
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command")
}

func TestMissingRequiredFlags(t *testing.T) {
	code, _, errOut := runCLI(t, "issue")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--tool and --session are required")

	code, _, errOut = runCLI(t, "revoke")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "required")
}
