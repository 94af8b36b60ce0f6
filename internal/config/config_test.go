package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, Default())
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	require.Equal(t, 4880, cfg.Port)
	require.Equal(t, "127.0.0.1:5555", cfg.UpstreamAddr())
	require.Equal(t, ":4880", cfg.ListenAddr())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sqlrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\nlog_level: DEBUG\n"), 0644))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, Default())
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestFlagsOverrideEnvAndYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sqlrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\n"), 0644))
	t.Setenv("SQLRELAY_PORT", "8000")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, Default())
	require.NoError(t, fs.Parse([]string{"-port", "7000"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sqlrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: DEBUG\n"), 0644))
	t.Setenv("SQLRELAY_LOG_LEVEL", "WARN")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, Default())
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	require.Equal(t, "WARN", cfg.LogLevel)
}

func TestValidateRejectsBadPort(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, Default())
	require.NoError(t, fs.Parse([]string{"-port", "0"}))

	_, err := Load("", fs)
	require.Error(t, err)
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, Default())
	require.NoError(t, fs.Parse([]string{"-log-level", "TRACE"}))

	_, err := Load("", fs)
	require.Error(t, err)
}

func TestFreezeBlocksMutationCheck(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.CheckMutable())
	cfg.Freeze()
	require.Error(t, cfg.CheckMutable())
}

func TestFreezeBlocksLoadFlags(t *testing.T) {
	cfg := Default()
	cfg.Freeze()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, Default())
	require.NoError(t, fs.Parse([]string{"-port", "9999"}))

	require.Error(t, cfg.loadFlags(fs))
	require.Equal(t, 4880, cfg.Port)
}

func TestFreezeBlocksLoadEnv(t *testing.T) {
	t.Setenv("SQLRELAY_PORT", "9999")
	cfg := Default()
	cfg.Freeze()
	require.Error(t, cfg.loadEnv())
	require.Equal(t, 4880, cfg.Port)
}

func TestAuthorsAndShowConfigFlagsRegistered(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fv := RegisterFlags(fs, Default())
	require.NoError(t, fs.Parse([]string{"-authors", "-show-config"}))
	require.True(t, fv.Authors)
	require.True(t, fv.ShowConfig)
}

func TestDumpIncludesResolvedFields(t *testing.T) {
	cfg := Default()
	cfg.Freeze()
	dump := cfg.Dump()
	require.Contains(t, dump, "port: 4880")
	require.Contains(t, dump, "frozen: true")
}
