package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	for _, key := range []string{"CLIPROXY_CONFIG", "CLIPROXY_URL", "CLIPROXY_KEY", "CLIPROXY_TIMEOUT", "CLIPROXY_DB", "CLIPROXY_LOG_LEVEL"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
	return dir
}

func execute(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func writeConfig(t *testing.T, dir string, panels map[string]string) string {
	t.Helper()
	body := "timeout: 2\npanels:\n"
	for _, name := range []string{"main", "backup"} {
		if url, ok := panels[name]; ok {
			body += fmt.Sprintf("  - name: %s\n    url: %s\n    key: secret\n", name, url)
		}
	}
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func listingServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte(`{"files":[{"name":"gemini.json","provider":"gemini"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_Version(t *testing.T) {
	for _, args := range [][]string{{"version"}, {"--version"}, {"-v"}} {
		code, out, _ := execute(t, args...)
		assert.Equal(t, exitOK, code)
		assert.Contains(t, out, "cliproxy-manager")
	}
}

func TestRun_Usage(t *testing.T) {
	code, out, _ := execute(t, "help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "cpm convert INPUT")

	code, _, errOut := execute(t)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "Usage:")

	code, _, errOut = execute(t, "frobnicate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, `unknown command "frobnicate"`)

	code, _, _ = execute(t, "query", "--bogus")
	assert.Equal(t, exitUsage, code)
}

func TestQuery_PartialFailure(t *testing.T) {
	dir := isolate(t)
	cfg := writeConfig(t, dir, map[string]string{
		"main":   listingServer(t, http.StatusOK).URL,
		"backup": listingServer(t, http.StatusUnauthorized).URL,
	})

	code, out, _ := execute(t, "--config", cfg, "query")
	out = ansi.Strip(out)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "no Kiro accounts")
	assert.Contains(t, out, "auth error")
}

func TestQuery_AllFailed(t *testing.T) {
	dir := isolate(t)
	cfg := writeConfig(t, dir, map[string]string{"main": listingServer(t, http.StatusForbidden).URL})

	code, _, errOut := execute(t, "--config", cfg, "query")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "all panels failed")
}

func TestQuery_UnknownPanel(t *testing.T) {
	dir := isolate(t)
	cfg := writeConfig(t, dir, map[string]string{"main": listingServer(t, http.StatusOK).URL})

	code, _, errOut := execute(t, "--config", cfg, "query", "--panel", "nope")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "available: main")
}

func TestQuery_JSONAndSave(t *testing.T) {
	dir := isolate(t)
	cfg := writeConfig(t, dir, map[string]string{"main": listingServer(t, http.StatusOK).URL})
	saved := filepath.Join(dir, "out", "result.json")

	code, out, _ := execute(t, "--config", cfg, "query", "--json", "--save", saved, "--timeout", "1.5")
	require.Equal(t, exitOK, code)

	var got struct {
		Panels []struct {
			Name string `json:"name"`
		} `json:"panels"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Panels, 1)
	assert.Equal(t, "main", got.Panels[0].Name)

	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.JSONEq(t, out, string(data))
}

func TestQuery_NoConfig(t *testing.T) {
	isolate(t)
	code, _, errOut := execute(t, "query")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "failed to load configuration")
}

func TestMonitor_FlagErrors(t *testing.T) {
	dir := isolate(t)
	cfg := writeConfig(t, dir, map[string]string{"main": listingServer(t, http.StatusOK).URL})

	code, _, _ := execute(t, "--config", cfg, "monitor", "-i", "-5")
	assert.Equal(t, exitUsage, code)

	code, _, errOut := execute(t, "--config", cfg, "monitor", "--panel", "nope")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "unknown panel")
}

func TestMonitor_RunsUntilCanceled(t *testing.T) {
	dir := isolate(t)
	cfg := writeConfig(t, dir, map[string]string{"main": listingServer(t, http.StatusOK).URL})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var out, errOut bytes.Buffer
	code := run(ctx, []string{"--config", cfg, "monitor", "-i", "0.05", "--no-notify",
		"--db", filepath.Join(dir, "usage.db"), "--log-file", filepath.Join(dir, "monitor.log")}, &out, &errOut)

	assert.Equal(t, exitOK, code, errOut.String())
	text := ansi.Strip(out.String())
	assert.Contains(t, text, "Kiro balance monitor")
	assert.Contains(t, text, "Monitoring stopped after")
	assert.FileExists(t, filepath.Join(dir, "usage.db"))

	logged, err := os.ReadFile(filepath.Join(dir, "monitor.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logged), `msg="Sample store opened"`)
	assert.Contains(t, string(logged), "schema=2")
	assert.Contains(t, string(logged), `msg="Run recorded"`)
	assert.Contains(t, string(logged), "panels=main")
}

func TestConvert(t *testing.T) {
	dir := isolate(t)
	in := filepath.Join(dir, "kiro.json")
	require.NoError(t, os.WriteFile(in, []byte(`{"accessToken":"a","refreshToken":"r","authMethod":"Social"}`), 0o600))

	code, _, errOut := execute(t, "convert", in)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, errOut, "Converted")

	data, err := os.ReadFile(filepath.Join(dir, "kiro.cliproxy.json"))
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "a", got["access_token"])
	assert.Equal(t, "social", got["auth_method"])
	assert.Equal(t, "kiro", got["type"])
}

func TestConvert_FlagsAfterInput(t *testing.T) {
	dir := isolate(t)
	in := filepath.Join(dir, "kiro.json")
	require.NoError(t, os.WriteFile(in, []byte(`{"access_token":"a","auth_method":"idc"}`), 0o600))

	code, out, _ := execute(t, "convert", in, "--to", "aiclient", "-o", "-", "--no-defaults")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, `"accessToken": "a"`)
	assert.Contains(t, out, `"authMethod": "IdC"`)
}

func TestConvert_Errors(t *testing.T) {
	dir := isolate(t)

	code, _, _ := execute(t, "convert")
	assert.Equal(t, exitUsage, code)

	code, _, _ = execute(t, "convert", "a.json", "--to", "yaml")
	assert.Equal(t, exitUsage, code)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"unrelated":1}`), 0o600))
	code, _, errOut := execute(t, "convert", bad)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "Error:")

	code, _, _ = execute(t, "convert", filepath.Join(dir, "missing.json"))
	assert.Equal(t, exitFailure, code)
}

func TestConvert_SameFormat(t *testing.T) {
	dir := isolate(t)
	in := filepath.Join(dir, "kiro.json")
	require.NoError(t, os.WriteFile(in, []byte(`{"access_token":"a"}`), 0o600))

	code, _, errOut := execute(t, "convert", in, "--to", "cliproxy")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, errOut, "nothing to do")
	assert.NoFileExists(t, filepath.Join(dir, "kiro.cliproxy.json"))
}

func TestPanelList(t *testing.T) {
	var p panelList
	require.NoError(t, p.Set("a, b"))
	require.NoError(t, p.Set("c"))
	assert.Equal(t, panelList{"a", "b", "c"}, p)
	assert.Equal(t, "a,b,c", p.String())
}
