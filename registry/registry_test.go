package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "suites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRegistry(t *testing.T) {
	tmpDir := t.TempDir()
	artifact := filepath.Join(tmpDir, "auth_suite.js")
	require.NoError(t, os.WriteFile(artifact, []byte("// suite"), 0644))

	manifestPath := writeManifest(t, tmpDir, `
suites:
  - name: auth
    artifact: `+artifact+`
    runner: local
`)

	t.Run("manifest loading", func(t *testing.T) {
		tests := []struct {
			name    string
			cfg     Config
			wantErr bool
		}{
			{
				name:    "valid manifest",
				cfg:     Config{ManifestFile: manifestPath, Log: log.New()},
				wantErr: false,
			},
			{
				name:    "missing manifest file",
				cfg:     Config{ManifestFile: "nonexistent.yaml", Log: log.New()},
				wantErr: true,
			},
			{
				name:    "no source configured",
				cfg:     Config{Log: log.New()},
				wantErr: true,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				r, err := NewRegistry(context.Background(), tt.cfg)
				if (err != nil) != tt.wantErr {
					t.Errorf("NewRegistry() error = %v, wantErr %v", err, tt.wantErr)
					return
				}
				if err == nil {
					require.NotNil(t, r.GetConfig(), "config should be loaded")
				}
			})
		}
	})

	t.Run("manifest entry fields", func(t *testing.T) {
		r, err := NewRegistry(context.Background(), Config{ManifestFile: manifestPath, Log: log.New()})
		require.NoError(t, err)

		suites := r.Suites()
		require.Len(t, suites, 1)
		assert.Equal(t, "auth", suites[0].ID)
		assert.Equal(t, "auth", suites[0].Name)
		assert.Equal(t, artifact, suites[0].Artifact)
		assert.Equal(t, "local", suites[0].Runner)
	})
}

func TestRegistryDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	manifestPath := writeManifest(t, tmpDir, `
suites:
  - artifact: suites/billing_suite.js
  - artifact: suites/search_suite.js
    runner: process
    dispatch_timeout: 5s
`)

	r, err := NewRegistry(context.Background(), Config{
		ManifestFile:           manifestPath,
		Log:                    log.New(),
		DefaultRunner:          "local",
		DefaultDispatchTimeout: 30 * time.Second,
		DefaultConnectTimeout:  time.Minute,
	})
	require.NoError(t, err)

	suites := r.Suites()
	require.Len(t, suites, 2)

	billing := suites[0]
	assert.Equal(t, "billing", billing.Name)
	assert.Equal(t, "local", billing.Runner)
	assert.Equal(t, 30*time.Second, billing.DispatchTimeout)
	assert.Equal(t, time.Minute, billing.ConnectTimeout)

	search := suites[1]
	assert.Equal(t, "search", search.Name)
	assert.Equal(t, "process", search.Runner)
	assert.Equal(t, 5*time.Second, search.DispatchTimeout)
	assert.Equal(t, time.Minute, search.ConnectTimeout)
}

func TestRegistryDuplicateNames(t *testing.T) {
	tmpDir := t.TempDir()
	manifestPath := writeManifest(t, tmpDir, `
suites:
  - name: auth
    artifact: a_suite.js
  - name: auth
    artifact: b_suite.js
`)

	_, err := NewRegistry(context.Background(), Config{ManifestFile: manifestPath, Log: log.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate suite name")
}

func TestRegistryEmptyManifest(t *testing.T) {
	tmpDir := t.TempDir()
	manifestPath := writeManifest(t, tmpDir, "suites: []\n")

	_, err := NewRegistry(context.Background(), Config{ManifestFile: manifestPath, Log: log.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no suites found")
}

func TestRegistryDirectoryScan(t *testing.T) {
	tmpDir := t.TempDir()
	for _, name := range []string{"auth_suite.js", "billing_suite.js", "helper.js"} {
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, name), []byte("// suite"), 0644))
	}

	r, err := NewRegistry(context.Background(), Config{SuiteDir: tmpDir, Log: log.New()})
	require.NoError(t, err)

	suites := r.Suites()
	require.Len(t, suites, 2, "helper.js should not be discovered")
	assert.Equal(t, "auth", suites[0].Name)
	assert.Equal(t, "billing", suites[1].Name)
}

func TestRegistryScanSkipsPinnedArtifacts(t *testing.T) {
	tmpDir := t.TempDir()
	pinned := filepath.Join(tmpDir, "auth_suite.js")
	free := filepath.Join(tmpDir, "billing_suite.js")
	require.NoError(t, os.WriteFile(pinned, []byte("// suite"), 0644))
	require.NoError(t, os.WriteFile(free, []byte("// suite"), 0644))

	manifestPath := writeManifest(t, tmpDir, `
suites:
  - name: auth-manifest
    artifact: `+pinned+`
    runner: process
`)

	r, err := NewRegistry(context.Background(), Config{
		ManifestFile: manifestPath,
		SuiteDir:     tmpDir,
		Log:          log.New(),
	})
	require.NoError(t, err)

	suites := r.Suites()
	require.Len(t, suites, 2)
	assert.Equal(t, "auth-manifest", suites[0].Name)
	assert.Equal(t, "billing", suites[1].Name)
}

func TestRegistrySuitesForRunner(t *testing.T) {
	tmpDir := t.TempDir()
	manifestPath := writeManifest(t, tmpDir, `
suites:
  - name: a
    artifact: a_suite.js
    runner: local
  - name: b
    artifact: b_suite.js
    runner: process
  - name: c
    artifact: c_suite.js
    runner: local
`)

	r, err := NewRegistry(context.Background(), Config{ManifestFile: manifestPath, Log: log.New()})
	require.NoError(t, err)

	local := r.SuitesForRunner("local")
	require.Len(t, local, 2)
	assert.Equal(t, "a", local[0].Name)
	assert.Equal(t, "c", local[1].Name)
	assert.Empty(t, r.SuitesForRunner("remote"))
}

type fakeCompiler struct {
	failOn string
}

func (c *fakeCompiler) Compile(ctx context.Context, source string) (string, error) {
	if source == c.failOn {
		return "", errors.New("syntax error at line 3")
	}
	return source + ".compiled", nil
}

func TestRegistryCompileBoundary(t *testing.T) {
	tmpDir := t.TempDir()
	manifestPath := writeManifest(t, tmpDir, `
suites:
  - name: auth
    artifact: auth_suite.src
`)

	t.Run("artifact rewritten", func(t *testing.T) {
		r, err := NewRegistry(context.Background(), Config{
			ManifestFile: manifestPath,
			Log:          log.New(),
			Compiler:     &fakeCompiler{},
		})
		require.NoError(t, err)
		assert.Equal(t, "auth_suite.src.compiled", r.Suites()[0].Artifact)
	})

	t.Run("compile failure is fatal", func(t *testing.T) {
		_, err := NewRegistry(context.Background(), Config{
			ManifestFile: manifestPath,
			Log:          log.New(),
			Compiler:     &fakeCompiler{failOn: "auth_suite.src"},
		})
		require.Error(t, err)
		var compileErr *CompileError
		require.ErrorAs(t, err, &compileErr)
		assert.Equal(t, "auth_suite.src", compileErr.Source)
		assert.Contains(t, compileErr.Error(), "syntax error")
	})
}
