package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePipelineYAML = `
logging:
  level: debug
  format: json
landscape:
  driver: sqlite
  dsn: "${LANDSCAPE_DSN:-file::memory:}"
run_mode: live
pipeline:
  datasource:
    plugin: csv_source
    version: "1.0.0"
    config:
      path: input.csv
  sinks:
    main:
      plugin: csv_sink
      version: "1.0.0"
      config:
        path: output.csv
  output_sink: main
  row_plugins:
    - name: passthrough
      plugin: passthrough
      version: "1.0.0"
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFileAppliesDefaultsAndEnvExpansion(t *testing.T) {
	path := writeTempConfig(t, samplePipelineYAML)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, "file::memory:", cfg.Landscape.DSN)
	require.Equal(t, "live", cfg.RunMode)
	require.Equal(t, "csv_source", cfg.Pipeline.Datasource.Plugin)
	require.Equal(t, "main", cfg.Pipeline.OutputSink)
}

func TestExpandEnvPrefersSetValueOverDefault(t *testing.T) {
	t.Setenv("LANDSCAPE_DSN", "postgres://example")
	path := writeTempConfig(t, samplePipelineYAML)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://example", cfg.Landscape.DSN)
}

func TestNormalizeRejectsUnknownRunMode(t *testing.T) {
	path := writeTempConfig(t, "run_mode: sideways\n")
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestNormalizeRequiresReplaySourceRunID(t *testing.T) {
	path := writeTempConfig(t, "run_mode: replay\n")
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestToDAGSpecTranslatesPipeline(t *testing.T) {
	path := writeTempConfig(t, samplePipelineYAML)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	spec := cfg.Pipeline.ToDAGSpec()
	require.Equal(t, "csv_source", spec.Source.Plugin)
	require.Len(t, spec.Transforms, 1)
	require.Equal(t, "passthrough", spec.Transforms[0].Name)
	require.Contains(t, spec.Sinks[0].Name, "main")
}
