package objectql

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverConfigYAML = `listen: ":9090"
upload_dir: /var/objectql/uploads
base_url: https://files.example.com
datasources:
  default:
    driver: sql
    dialect: sqlite
    dsn: file:objectql.db
  cache:
    driver: redis
    url: redis://localhost:6379/0
remotes:
  - https://crm.example.com
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadServerConfig(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfig(t, "objectql.yml", serverConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "/var/objectql/uploads", cfg.UploadDir)
	assert.Equal(t, "https://files.example.com", cfg.BaseURL)
	assert.Equal(t, []string{"https://crm.example.com"}, cfg.Remotes)

	require.Contains(t, cfg.Datasources, DefaultDatasource)
	assert.Equal(t, "sql", cfg.Datasources[DefaultDatasource].Driver)
	assert.Equal(t, "sqlite", cfg.Datasources[DefaultDatasource].Dialect)
	assert.Equal(t, "redis", cfg.Datasources["cache"].Driver)
}

func TestLoadServerConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("UPLOAD_DIR", "/tmp/elsewhere")
	t.Setenv("BASE_URL", "http://localhost:9000")

	cfg, err := LoadServerConfig(writeConfig(t, "minimal.yml", "datasources:\n  default:\n    driver: memory\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen, "the bind address defaults")
	assert.Equal(t, "/tmp/elsewhere", cfg.UploadDir, "environment overrides the file")
	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
}

func TestLoadServerConfigErrors(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)

	_, err = LoadServerConfig(writeConfig(t, "broken.yml", "listen: [unclosed\n"))
	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))
}
