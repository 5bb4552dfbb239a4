package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDir_CheckedInScenarios(t *testing.T) {
	res, err := RunDir(context.Background(), "testdata/scenarios", 4)
	require.NoError(t, err)

	assert.Equal(t, 7, res.Total)
	assert.True(t, res.OK(), "failures: %+v", res.Failures)
	assert.Equal(t, res.Total, res.Passed)
	require.Len(t, res.Results, 7)
	assert.Equal(t, "s1-honest-dkd", res.Results[0].Scenario)
	assert.Equal(t, "s7-soft-fork", res.Results[6].Scenario)
}

func TestRunSuite_CollectsFailures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_broken.yaml"), []byte("name: [\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_good.yml"), []byte(minimalScenario), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	paths, err := FindScenarios(dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	res, err := RunSuite(context.Background(), paths, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.OK())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, paths[0], res.Failures[0].Path)
	assert.Contains(t, res.Failures[0].Errors[0], "failed to load scenario")
}

func TestFindScenarios_MissingDir(t *testing.T) {
	_, err := FindScenarios(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
