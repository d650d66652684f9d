package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func setEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LIBRARY_CONFIG", "")
	t.Setenv("LIBRARY_STORAGE", "sqlite")
	t.Setenv("LIBRARY_SQLITE_PATH", filepath.Join(dir, "library.db"))
	t.Setenv("LIBRARY_LOG_LEVEL", "error")
	t.Setenv("LIBRARY_BLOB_DRIVER", "fs")
	t.Setenv("LIBRARY_BLOB_ROOT", filepath.Join(dir, "backups"))
	return dir
}

func TestSeedBackupRestore(t *testing.T) {
	setEnv(t)

	code, out, errOut := runCLI(t, "", "seed")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "demo catalog loaded")

	code, out, errOut = runCLI(t, "", "seed")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "nothing seeded")

	code, out, errOut = runCLI(t, "", "backup")
	require.Equal(t, 0, code, errOut)
	require.True(t, strings.HasPrefix(out, "snapshots/"), out)
	key := strings.SplitN(out, "\t", 2)[0]

	code, out, errOut = runCLI(t, "", "restore", "--list")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, key)

	code, out, errOut = runCLI(t, "", "restore")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "restored "+key+"\n", out)

	code, _, errOut = runCLI(t, "", "restore", "snapshots/missing.json")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "libraryd:")
}

func TestBackupRequiresBlobStore(t *testing.T) {
	setEnv(t)
	t.Setenv("LIBRARY_BLOB_DRIVER", "")

	code, _, errOut := runCLI(t, "", "backup")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no blob store configured")
}

func TestInvalidConfigFails(t *testing.T) {
	setEnv(t)
	t.Setenv("LIBRARY_STORAGE", "mongo")

	code, _, errOut := runCLI(t, "", "seed")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, `unknown storage driver "mongo"`)
}

func TestHashPasswordFromPipe(t *testing.T) {
	code, out, errOut := runCLI(t, "biblio123\n", "hash-password")
	require.Equal(t, 0, code, errOut)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("biblio123")))

	code, _, _ = runCLI(t, "", "hash-password")
	assert.Equal(t, 1, code, "empty passwords are rejected")
}

func TestServeUntilCancelled(t *testing.T) {
	setEnv(t)
	t.Setenv("LIBRARY_STORAGE", "memory")
	t.Setenv("LIBRARY_ADDR", "127.0.0.1:0")
	t.Setenv("LIBRARY_TRACER", "otel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, io.Discard)
	require.NoError(t, err)
	defer func() { _ = a.Close(context.Background()) }()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	for _, path := range []string{"/", "/books", "/metrics", "/debug/vars"} {
		resp, err := client.Get("http://" + addr + path)
		require.NoError(t, err, path)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}
