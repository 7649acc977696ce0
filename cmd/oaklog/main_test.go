package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/oaklog/internal/capture"
	"github.com/ayusman/oaklog/internal/config"
	"github.com/ayusman/oaklog/internal/recorder"
)

// execArgs runs the root command with args in a fresh working directory.
func execArgs(t *testing.T, args ...string) (string, error) {
	t.Helper()
	chdir(t, t.TempDir())

	for _, c := range []*pflag.FlagSet{runCmd.Flags(), catalogCmd.Flags()} {
		c.VisitAll(func(f *pflag.Flag) {
			f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetArgs(nil)
	}()

	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCmd_Executes(t *testing.T) {
	originalVersion := version
	version = "test-version-1.0.0"
	defer func() { version = originalVersion }()

	out, err := execArgs(t, "version")

	assert.NoError(t, err)
	assert.Contains(t, out, "oaklog version test-version-1.0.0")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"config", fmt.Errorf("load: %w", config.ErrInvalid), exitConfig},
		{"device", fmt.Errorf("start capture: %w", capture.ErrDeviceUnavailable), exitFailed},
		{"other", errors.New("boom"), exitFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRunCmd_Simulated(t *testing.T) {
	out, err := execArgs(t, "run", "--simulate", "--max-bundles", "2", "--viewer-addr", "", "--output", "rec")
	require.NoError(t, err)

	assert.Contains(t, out, "stopped: 2 bundles delivered, 2 saved to rec")
	assert.Contains(t, out, "catalog session ")

	for seq := uint64(0); seq < 2; seq++ {
		_, _, sem := recorder.Paths(seq)
		assert.FileExists(t, filepath.Join("rec", sem))
	}
	assert.FileExists(t, filepath.Join("data", "catalog.db"))
}

func TestRunCmd_ThenCatalog(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "catalog.db")
	cfgPath := filepath.Join(dir, "oaklog.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
device:
  driver: simulate
record:
  base_path: %s
  catalog: %s
viewer:
  addr: ""
loop:
  poll_interval: 1ms
`, filepath.Join(dir, "out"), db)), 0644))

	out, err := execArgs(t, "run", "--config", cfgPath, "-n", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "3 bundles delivered")

	out, err = execArgs(t, "catalog", "--db", db)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "FRAMES")
	assert.Contains(t, lines[1], "oak_semantics_demo")
	assert.Contains(t, lines[1], "simulate")

	assert.Equal(t, "3", strings.Fields(lines[1])[3])

	id := strings.Fields(lines[1])[0]
	out, err = execArgs(t, "catalog", "--db", db, id)
	require.NoError(t, err)

	fields := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		if f := strings.Fields(line); len(f) == 2 {
			fields[f[0]] = f[1]
		}
	}
	assert.Equal(t, id, fields["session"])
	assert.Equal(t, "3", fields["frames"])
	assert.Equal(t, "3", fields["person"])
	assert.Equal(t, "3", fields["bottle"])
}

func TestRunCmd_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing config file", []string{"run", "--config", "nope.yaml"}},
		{"empty output directory", []string{"run", "--simulate", "--output", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execArgs(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, exitConfig, exitCode(err))
		})
	}
}

func TestCatalogCmd_MissingDatabase(t *testing.T) {
	_, err := execArgs(t, "catalog", "--db", "missing.db")
	require.Error(t, err)
	assert.Equal(t, exitFailed, exitCode(err))
}

// chdir changes the working directory for the duration of the test
// (equivalent to testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
