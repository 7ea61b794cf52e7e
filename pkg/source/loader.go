package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Config lists where source definitions come from
type Config struct {
	Paths       []string `yaml:"paths"`
	Definitions []Source `yaml:"definitions,omitempty"`
}

// Load discovers source files under the configured paths, merges them with the inline
// definitions and validates the result. Sources are returned sorted by id.
func Load(cfg *Config) ([]*Source, error) {
	sources := make([]*Source, 0, len(cfg.Definitions))

	for i := range cfg.Definitions {
		src := cfg.Definitions[i]
		sources = append(sources, &src)
	}

	for _, path := range cfg.Paths {
		files, err := discover(path)
		if err != nil {
			return nil, fmt.Errorf("failed to discover sources in %s: %w", path, err)
		}

		for _, file := range files {
			src, err := parseFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", file, err)
			}

			sources = append(sources, src)
		}
	}

	seen := make(map[string]struct{}, len(sources))

	for _, src := range sources {
		src.SetDefaults()

		if err := src.Validate(); err != nil {
			return nil, err
		}

		if _, ok := seen[src.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, src.ID)
		}

		seen[src.ID] = struct{}{}
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].ID < sources[j].ID
	})

	return sources, nil
}

func discover(basePath string) ([]string, error) {
	var files []string

	err := filepath.Walk(basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // Skip if directory doesn't exist
			}

			return err
		}

		if info.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}

		return nil
	})

	return files, err
}

func parseFile(path string) (*Source, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Paths come from operator config
	if err != nil {
		return nil, err
	}

	// Connector credentials usually come from the environment.
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes a single source definition strictly
func Parse(data []byte) (*Source, error) {
	src := &Source{}
	if err := defaults.Set(src); err != nil {
		return nil, fmt.Errorf("failed to set defaults: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(src); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrIDRequired
		}

		return nil, err
	}

	return src, nil
}
