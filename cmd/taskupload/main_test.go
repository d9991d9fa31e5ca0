package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transcribe-hub/go-upload/internal/testserver"
	"github.com/transcribe-hub/go-upload/upload"
)

func startBackend(t *testing.T, opts testserver.Options) *testserver.Backend {
	backend, svr := testserver.Start(opts)
	t.Cleanup(svr.Close)

	t.Setenv(upload.EnvAPIURL, svr.URL)
	t.Setenv(upload.EnvAccessToken, opts.Token)
	t.Setenv(upload.EnvConcurrency, "2")
	return backend
}

func writeFiles(t *testing.T, dir string, files map[string][]byte) {
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, content, 0644))
	}
}

func TestParseArgs(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "upload", args: []string{"-task", "t", "a.mp3"}},
		{name: "download", args: []string{"-task", "t", "-download", "f", "-o", "out.mp3"}},
		{name: "missing task", args: []string{"a.mp3"}, wantErr: true},
		{name: "missing files", args: []string{"-task", "t"}, wantErr: true},
		{name: "download without destination", args: []string{"-task", "t", "-download", "f"}, wantErr: true},
		{name: "unknown flag", args: []string{"-task", "t", "-nope", "a.mp3"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseArgs(tc.args, io.Discard)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRun_UploadsMatchingFiles(t *testing.T) {
	// Given
	backend := startBackend(t, testserver.Options{ChunkSize: 1000, Token: "token"})
	dir := t.TempDir()
	files := map[string][]byte{
		"talk.mp3":         bytes.Repeat([]byte("a"), 2500),
		"nested/intro.wav": bytes.Repeat([]byte("b"), 999),
		"notes.txt":        []byte("ignored by the glob"),
	}
	writeFiles(t, dir, files)

	// When
	code := run(context.Background(), []string{"-task", "task-1", filepath.Join(dir, "**", "*.{mp3,wav}")},
		env.NewRepository(), log.NewLogger(), io.Discard)

	// Then
	require.Equal(t, 0, code)
	ids := backend.UploadIDs()
	require.Len(t, ids, 2)

	var stored []int
	for _, id := range ids {
		stored = append(stored, backend.StoredChunks(id))
	}
	sort.Ints(stored)
	assert.Equal(t, []int{1, 3}, stored)
}

func TestRun_Download(t *testing.T) {
	backend := startBackend(t, testserver.Options{ChunkSize: 1000})
	dir := t.TempDir()
	content := bytes.Repeat([]byte("transcribe"), 500)
	writeFiles(t, dir, map[string][]byte{"talk.mp3": content})

	orchestrator := upload.NewOrchestrator(upload.Config{APIBaseURL: os.Getenv(upload.EnvAPIURL)}, nil, nil, log.NewLogger())
	file, closer, err := upload.OpenFile(filepath.Join(dir, "talk.mp3"), "")
	require.NoError(t, err)
	defer closer.Close()
	record, err := orchestrator.UploadFile(context.Background(), "task-1", file, nil)
	require.NoError(t, err)
	_, ok := backend.File(record.FileID)
	require.True(t, ok)

	dest := filepath.Join(dir, "downloaded.mp3")
	code := run(context.Background(), []string{"-task", "task-1", "-download", record.FileID, "-o", dest},
		env.NewRepository(), log.NewLogger(), io.Discard)

	require.Equal(t, 0, code)
	downloaded, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, downloaded)
}

func TestRun_Failures(t *testing.T) {
	startBackend(t, testserver.Options{ChunkSize: 1000, MaxSize: 100})
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{"big.mp3": bytes.Repeat([]byte("x"), 200)})

	code := run(context.Background(), []string{"-task", "task-1", filepath.Join(dir, "big.mp3")},
		env.NewRepository(), log.NewLogger(), io.Discard)
	assert.Equal(t, 1, code)

	code = run(context.Background(), []string{"-task", "task-1", filepath.Join(dir, "missing.mp3")},
		env.NewRepository(), log.NewLogger(), io.Discard)
	assert.Equal(t, 1, code)

	code = run(context.Background(), []string{"-task", "task-1"}, env.NewRepository(), log.NewLogger(), io.Discard)
	assert.Equal(t, 2, code)
}
