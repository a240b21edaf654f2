package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followback/internal/config"
	"followback/internal/directory"
	"followback/internal/directory/directorytest"
)

const cliConfig = `{
  "directory": {"consumer_key": "ck", "consumer_secret": "cs", "base_url": %q},
  "storage": {"driver": "sqlite", "dsn": %q}
}`

// newDirectory answers verify_credentials for token "tok-good" as account 42.
func newDirectory(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/account/verify_credentials.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if !strings.Contains(r.Header.Get("Authorization"), `oauth_token="tok-good"`) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errors":[{"code":89,"message":"Invalid or expired token."}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":42,"screen_name":"alice"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeCLIConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "followback.json")
	body := fmt.Sprintf(cliConfig, baseURL, filepath.Join(dir, "followback.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func clearEnv(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "")
	t.Setenv(config.EnvAPISecret, "")
	t.Setenv(config.EnvDatabaseURL, "")
}

func TestAccountsAddListRemove(t *testing.T) {
	clearEnv(t)
	srv := newDirectory(t)
	path := writeCLIConfig(t, srv.URL)

	out, err := execute(t, "--config", path, "accounts", "add", "--token", "tok-good", "--secret", "s")
	require.NoError(t, err)
	assert.Contains(t, out, "added 42 (@alice)")

	_, err = execute(t, "--config", path, "accounts", "add", "--token", "tok-bad", "--secret", "s")
	require.Error(t, err)
	assert.ErrorIs(t, err, directory.ErrCredentialInvalid)

	out, err = execute(t, "--config", path, "--format", "json", "accounts", "list")
	require.NoError(t, err)
	var rows []accountRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Equal(t, []accountRow{{ID: 42}}, rows)

	out, err = execute(t, "--config", path, "accounts", "remove", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 42")

	_, err = execute(t, "--config", path, "accounts", "remove", "42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestAccountsAddRequiresCredential(t *testing.T) {
	clearEnv(t)
	path := writeCLIConfig(t, "http://127.0.0.1:1/")

	_, err := execute(t, "--config", path, "accounts", "add", "--token", "only-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--secret")
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "accounts", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestVerifyAll(t *testing.T) {
	t.Parallel()

	fake := directorytest.New(nil)
	good := fake.AddAccount(1, nil, nil)
	revoked := fake.AddAccount(2, nil, nil)
	fake.Revoke(revoked)
	// Stored under 3 but the token belongs to remote account 1.
	mismatched := directory.Account{ID: 3, Credential: good.Credential}

	results, err := verifyAll(context.Background(), fake, []directory.Account{good, revoked, mismatched})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].OK)
	assert.Equal(t, "user1", results[0].ScreenName)

	assert.False(t, results[1].OK)
	assert.Equal(t, "credential", results[1].Class)

	assert.False(t, results[2].OK)
	assert.Equal(t, "mismatch", results[2].Class)
	assert.Equal(t, 3, fake.Calls(directorytest.OpVerify))
}

func TestVerifyAllCanceled(t *testing.T) {
	t.Parallel()

	fake := directorytest.New(nil)
	acct := fake.AddAccount(1, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := verifyAll(ctx, fake, []directory.Account{acct})
	require.ErrorIs(t, err, context.Canceled)
}

func TestVerifyCommandListsAccounts(t *testing.T) {
	clearEnv(t)
	srv := newDirectory(t)
	path := writeCLIConfig(t, srv.URL)

	_, err := execute(t, "--config", path, "accounts", "add", "--token", "tok-good", "--secret", "s")
	require.NoError(t, err)

	out, err := execute(t, "--config", path, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "@alice")
}
