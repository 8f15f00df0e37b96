package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drpcorg/fabric/command"
	"github.com/drpcorg/fabric/config"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode(t *testing.T, toml string, opts nodeOptions) *node {
	cfg, err := config.Parse([]byte(toml))
	require.NoError(t, err)
	n, err := openNode(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func run(t *testing.T, c *console, line string) string {
	out, err := c.exec(context.Background(), line)
	require.NoError(t, err, line)
	return out
}

func TestConsole_Local(t *testing.T) {
	n := testNode(t, "[log]\nlevel = \"warn\"", nodeOptions{hostPipe: true})
	c := &console{d: n.disp, timeout: 5 * time.Second}
	ctx := context.Background()

	assert.Equal(t, "ok", run(t, c, "window 100 7 main"))
	assert.Contains(t, run(t, c, "init 7"), "OK:true")
	assert.Equal(t, "ok", run(t, c, "channel 7 8 left"))
	_, err := c.exec(ctx, "channel 7 8 again")
	assert.ErrorIs(t, err, command.ErrResourceState)
	assert.Equal(t, "ok", run(t, c, "unchannel 7 99"))

	_, err = c.exec(ctx, "drop 100 7")
	assert.ErrorIs(t, err, command.ErrResourceState)
	assert.Contains(t, run(t, c, "release 7"), "OK:true")
	assert.Equal(t, "ok", run(t, c, "drop 100 7"))

	_, err = c.exec(ctx, "init 7")
	assert.ErrorIs(t, err, command.ErrUnroutable)
}

func TestConsole_Input(t *testing.T) {
	n := testNode(t, "[log]\nlevel = \"warn\"", nodeOptions{hostPipe: true})
	c := &console{d: n.disp, timeout: 5 * time.Second}
	ctx := context.Background()

	assert.Equal(t, "", run(t, c, "   "))
	assert.Contains(t, run(t, c, "help"), "unchannel")
	for _, line := range []string{"init", "init x", "init 0", "window 100", "drop 100 7 name", "release 1 2"} {
		_, err := c.exec(ctx, line)
		assert.ErrorIs(t, err, ErrUsage, line)
	}
	_, err := c.exec(ctx, "paint 7")
	assert.ErrorContains(t, err, "command unknown")
	_, err = c.exec(ctx, "quit")
	assert.ErrorIs(t, err, io.EOF)
}

func TestConsole_Remote(t *testing.T) {
	server := testNode(t, `
[node]
id = 1
listen = ["tcp://127.0.0.1:0"]
[log]
level = "warn"
`, nodeOptions{hostPipe: true})
	addr, ok := server.net.Addr("tcp://127.0.0.1:0")
	require.True(t, ok)

	client := testNode(t, `
[node]
id = 99
connect = ["tcp://`+addr+`"]
[log]
level = "warn"
`, nodeOptions{defaultNode: 1})
	require.Eventually(t, func() bool {
		return client.net.Connected(1) && server.net.Connected(99)
	}, 5*time.Second, 10*time.Millisecond)

	c := &console{d: client.disp, timeout: 5 * time.Second}
	assert.Equal(t, "ok", run(t, c, "window 100 7 remote"))
	assert.Contains(t, run(t, c, "init 7"), "OK:true")

	w, ok := server.pipe.Window(object.ID(7))
	require.True(t, ok)
	assert.Equal(t, resource.Running, w.State())
	assert.Equal(t, "remote", w.Name())
}

func TestMetrics(t *testing.T) {
	n := testNode(t, "[log]\nlevel = \"warn\"\n[store]\ndir = \""+t.TempDir()+"\"", nodeOptions{hostPipe: true})
	c := &console{d: n.disp, timeout: 5 * time.Second}
	run(t, c, "window 100 7")

	rec := httptest.NewRecorder()
	n.metrics().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "fabric_dispatch_packets_total")
	assert.Contains(t, body, "fabric_store_wal_files")
	assert.Contains(t, body, "go_goroutines")
}

func TestRleCmd(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "frame.raw")
	packed := filepath.Join(dir, "frame.rle")
	back := filepath.Join(dir, "frame.out")
	data := append(bytes.Repeat([]byte{0}, 4096), []byte("tail")...)
	require.NoError(t, os.WriteFile(in, data, 0o644))

	exec := func(args ...string) (string, error) {
		root := rootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs(args)
		err := root.Execute()
		return out.String(), err
	}

	out, err := exec("rle", "compress", in, packed)
	require.NoError(t, err)
	assert.Contains(t, out, "4100 -> ")
	_, err = exec("rle", "decompress", packed, back)
	require.NoError(t, err)
	got, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = exec("rle", "decompress", "--limit", "16", packed, back)
	assert.Error(t, err)
	junk := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(junk, []byte("junk"), 0o644))
	_, err = exec("rle", "decompress", junk, back)
	assert.Error(t, err)
	_, err = exec("rle", "compress", in)
	assert.Error(t, err)
}
