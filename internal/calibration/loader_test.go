package calibration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeArtifact(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoaderParsesYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "co.yaml", "kind: linear\nintercept: 1\ncoefficients: [2, 0.5]\nfeatures: [co_we, co_ae]\n")
	writeArtifact(t, dir, "so2.json", `{"kind":"linear","intercept":0,"coefficients":[3]}`)

	loader := NewLoader(dir, zap.NewNop())
	co, err := loader.Load("co.yaml")
	require.NoError(t, err)
	v, err := co.Predict([]float64{10, 4})
	require.NoError(t, err)
	assert.Equal(t, 23.0, v)
	assert.Equal(t, []string{"co_we", "co_ae"}, co.(*LinearModel).Features())

	so2, err := loader.Load("so2.json")
	require.NoError(t, err)
	_, err = so2.Predict([]float64{1, 2})
	assert.Error(t, err)
}

func TestLoaderRejectsBadArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "rf.pkl", "kind: random_forest\ncoefficients: [1]\n")
	loader := NewLoader(dir, nil)

	_, err := loader.Load("rf.pkl")
	assert.ErrorIs(t, err, ErrUnsupportedKind)
	_, err = loader.Load("../etc/passwd")
	assert.Error(t, err)
	_, err = loader.Load("missing.yaml")
	assert.Error(t, err)
}

func TestWatchInvalidatesCache(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "pm.yaml", "coefficients: [1]\n")
	loader := NewLoader(dir, zap.NewNop())
	_, err := loader.Load("pm.yaml")
	require.NoError(t, err)
	require.True(t, loader.Cached("pm.yaml"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()

	require.Eventually(t, func() bool {
		writeArtifact(t, dir, "pm.yaml", "coefficients: [2]\n")
		return !loader.Cached("pm.yaml")
	}, 2*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
