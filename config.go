package objectql

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/syssam/objectql/internal/oqerr"
)

// ServerConfig is the on-disk configuration of an ObjectQL instance:
// the runtime assembly plus the serving surface.
type ServerConfig struct {
	Config `yaml:",inline"`

	// Listen is the HTTP bind address, e.g. ":8080".
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// UploadDir is where attachment bytes land; BaseURL prefixes the
	// URLs written into attachment documents. Both yield to the
	// UPLOAD_DIR and BASE_URL environment variables.
	UploadDir string `json:"upload_dir,omitempty" yaml:"upload_dir,omitempty"`
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// LoadServerConfig reads a YAML configuration file and applies the
// environment overrides.
func LoadServerConfig(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, oqerr.Wrapf(oqerr.Internal, err, "read config %q", path)
	}
	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, oqerr.Wrapf(oqerr.Validation, err, "parse config %q", path)
	}
	cfg.applyEnv()
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	return cfg, nil
}

func (c *ServerConfig) applyEnv() {
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		c.UploadDir = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.BaseURL = v
	}
}
