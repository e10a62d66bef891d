package schedule

import (
	"errors"
	"fmt"
	"os"

	log "github.com/go-pkgz/lgr"
	"gopkg.in/yaml.v3"
)

//go:generate go run ./internal/schema schema.json

// YamlConfig is the YAML job list document
type YamlConfig struct {
	Jobs []Entry `yaml:"jobs" json:"jobs" jsonschema:"required,description=list of daily backup jobs"`
}

// YAMLStore reads entries from YAML file, like FileStore it re-reads the file on every call
type YAMLStore struct {
	File   string
	Logger log.L
}

// NewYAMLStore makes YAMLStore for file, not reading it yet
func NewYAMLStore(file string, l log.L) *YAMLStore {
	if l == nil {
		l = log.Default()
	}
	return &YAMLStore{File: file, Logger: l}
}

// Load reads and parses YAML file. Jobs with empty fields are skipped and reported.
// Missing file or broken document makes an empty list, the next poll picks up a fixed file.
func (y *YAMLStore) Load() ([]Entry, error) {
	if y.Logger == nil {
		y.Logger = log.Default()
	}
	data, err := os.ReadFile(y.File)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			y.Logger.Logf("[WARN] schedule file %s not found", y.File)
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("can't read schedule file %s: %w", y.File, err)
	}

	var cfg YamlConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		y.Logger.Logf("[WARN] can't parse yaml schedule %s, %v", y.File, err)
		return []Entry{}, nil
	}

	res := make([]Entry, 0, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		if j.Path == "" || j.Time == "" || j.Name == "" {
			y.Logger.Logf("[WARN] job %d in %s skipped, %v: %q, empty field", i+1, y.File, ErrMalformed, j.String())
			continue
		}
		res = append(res, j)
	}
	return res, nil
}

func (y *YAMLStore) String() string {
	return y.File
}
