package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaushala/shelter/internal/services/setup"
	"github.com/gaushala/shelter/internal/testutil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, fake *testutil.FakeSupabase) string {
	t.Helper()
	dir := t.TempDir()
	body := "supabase:\n" +
		"  url: " + fake.URL() + "\n" +
		"  anon_key: " + testutil.FakeAnonKey + "\n" +
		"  service_role_key: " + testutil.FakeServiceKey + "\n" +
		"auth:\n" +
		"  admin_email: admin@gaushala.org\n" +
		"  admin_password: admin-pw\n" +
		"  session_secret: cli-secret\n" +
		"store:\n" +
		"  kind: memory\n" +
		"server:\n" +
		"  uploads_dir: " + filepath.Join(dir, "uploads") + "\n" +
		"scheduler:\n" +
		"  enabled: false\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "gaushala dev\n", out)
}

func TestSetupCommand(t *testing.T) {
	fake := testutil.NewFakeSupabase(t)
	path := writeConfig(t, fake)

	out, err := run(t, "--config", path, "--env-file", "", "--log-level", "error", "setup")
	require.NoError(t, err, out)
	assert.Contains(t, out, setup.MsgBucketCreated)
	_, ok := fake.Bucket("cow-images")
	assert.True(t, ok)
}

func TestResetAdminCommand(t *testing.T) {
	fake := testutil.NewFakeSupabase(t)
	path := writeConfig(t, fake)

	out, err := run(t, "--config", path, "--env-file", "", "--log-level", "error", "reset-admin")
	require.NoError(t, err)
	assert.Contains(t, out, setup.MsgAdminCreated)
	assert.Contains(t, out, "admin@gaushala.org")

	out, err = run(t, "--config", path, "--env-file", "", "--log-level", "error", "reset-admin")
	require.NoError(t, err)
	assert.Contains(t, out, setup.MsgAdminUpdated)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "--env-file", "", "setup")
	assert.Error(t, err)
}
