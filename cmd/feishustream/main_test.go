package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mudtools/MudFeishu-sub002/config"
	"github.com/mudtools/MudFeishu-sub002/testutil"
)

const webhookOnlyYAML = `
websocket:
  enabled: false
webhook:
  enabled: true
server:
  listen_addr: "127.0.0.1:0"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feishu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{
		"-config", "a.yaml, b.json",
		"-log-events", "im.message.receive_v1,contact.user.created_v3",
		"-debug",
	}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.yaml", "b.json"}, cfg.ConfigPaths)
	assert.Equal(t, []string{"im.message.receive_v1", "contact.user.created_v3"}, cfg.EventTypes)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)

	_, err = parseFlags([]string{"-no-such-flag"}, io.Discard)
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	valid := func() *CLIConfig {
		return &CLIConfig{LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	}
	assert.NoError(t, validateFlags(valid()))

	tests := []struct {
		name   string
		mutate func(*CLIConfig)
	}{
		{"missing config file", func(c *CLIConfig) { c.ConfigPaths = []string{"/does/not/exist.yaml"} }},
		{"unknown level", func(c *CLIConfig) { c.LogLevel = "trace" }},
		{"unknown format", func(c *CLIConfig) { c.LogFormat = "xml" }},
		{"zero shutdown timeout", func(c *CLIConfig) { c.ShutdownTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, validateFlags(c))
		})
	}
}

func TestRun_VersionAndValidate(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-version"}, &out, io.Discard))
	assert.Contains(t, out.String(), "feishustream version "+Version)

	out.Reset()
	path := writeConfig(t, webhookOnlyYAML)
	require.NoError(t, run(context.Background(), []string{"-config", path, "-validate"}, &out, io.Discard))
	assert.Contains(t, out.String(), "Configuration is valid")

	bad := writeConfig(t, "websocket:\n  heartbeat_interval_ms: 5\n")
	err := run(context.Background(), []string{"-config", bad, "-validate"}, io.Discard, io.Discard)
	assert.Error(t, err)
}

func TestServe_WebhookOnly(t *testing.T) {
	cfg := config.Default()
	cfg.WebSocket.Enabled = false
	cfg.Webhook.Enabled = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	var logs bytes.Buffer
	cli := &CLIConfig{EventTypes: []string{testutil.MessageEventType}, ShutdownTimeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, cli, setupLogger(&logs, "info", "json"), ln)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + cfg.Server.HealthPath)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	req := testutil.WebhookRequest(t, base+cfg.Webhook.RoutePrefix,
		testutil.V2Event("evt-cli", testutil.MessageEventType), "", "", time.Now())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.Contains(t, logs.String(), "evt-cli")
	assert.Contains(t, logs.String(), "shutdown complete")
}
