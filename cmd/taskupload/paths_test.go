package main

import (
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
)

func TestPathEvaluator_Evaluate(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		"a.mp3":       {1},
		"b.mp4":       {2},
		"sub/c.mp3":   {3},
		"sub/d.txt":   {4},
		"sub/e/f.mp3": {5},
	})
	evaluator := pathEvaluator{
		logger:       log.NewLogger(),
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
	}

	paths := evaluator.evaluate([]string{
		filepath.Join(dir, "**", "*.mp3"),
		filepath.Join(dir, "a.mp3"),
		filepath.Join(dir, "b.mp4"),
		filepath.Join(dir, "missing.mp3"),
		filepath.Join(dir, "*.wav"),
		filepath.Join(dir, "sub"),
	})

	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "a.mp3"),
		filepath.Join(dir, "sub", "c.mp3"),
		filepath.Join(dir, "sub", "e", "f.mp3"),
		filepath.Join(dir, "b.mp4"),
	}, paths)
}
