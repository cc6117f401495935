package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festion/audit-stream/pkg/version"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	t.Run("prints a human readable version line", func(t *testing.T) {
		out, err := runCommand(t, "version")
		require.NoError(t, err)
		assert.Contains(t, out, "auditwatch")
		assert.Contains(t, out, version.Version)
	})

	t.Run("supports JSON output", func(t *testing.T) {
		out, err := runCommand(t, "version", "-o", "json")
		require.NoError(t, err)

		var info version.BuildInfo
		require.NoError(t, json.Unmarshal([]byte(out), &info))
		assert.Equal(t, version.Version, info.Version)
	})
}

func TestStatusCommand(t *testing.T) {
	t.Run("renders the server status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/status", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"healthy","clients":2,"maxConnections":50,"uptime":120,"version":"1.2.3"}`))
		}))
		defer server.Close()

		out, err := runCommand(t, "status", "--endpoint", server.URL)
		require.NoError(t, err)
		assert.Contains(t, out, "healthy")
		assert.Contains(t, out, "2/50")
	})

	t.Run("fails when the server is unreachable", func(t *testing.T) {
		_, err := runCommand(t, "status", "--endpoint", "http://127.0.0.1:1")
		assert.Error(t, err)
	})
}

func TestTriggerCommand(t *testing.T) {
	t.Run("posts to the trigger endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/trigger", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"message":"Update triggered","clients":3}`))
		}))
		defer server.Close()

		out, err := runCommand(t, "trigger", "--endpoint", server.URL)
		require.NoError(t, err)
		assert.Contains(t, out, "Update triggered")
		assert.Contains(t, out, "3 clients")
	})
}
