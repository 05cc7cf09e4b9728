package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"labtracker/internal/config"
)

// LoadDir reads one YAML source definition per file ("*.yaml"/"*.yml") from
// dir, in filename order, so the loaded list (and everything downstream that
// preserves it) is deterministic.
//
// Any malformed file, duplicate name, or invalid cadence fails the whole
// load: a broken source set must never reach the pipeline.
func LoadDir(dir string) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sources dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	validate := newValidator()

	out := make([]Source, 0, len(names))
	seen := make(map[string]string, len(names)) // name -> defining file
	for _, name := range names {
		path := filepath.Join(dir, name)
		src, err := loadFile(path, validate)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[src.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate source name %q (also defined in %s)", path, src.Name, prev)
		}
		seen[src.Name] = name
		out = append(out, src)
	}
	return out, nil
}

func newValidator() *validator.Validate {
	return validator.New()
}

func loadFile(path string, validate *validator.Validate) (Source, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("source %s: %w", path, err)
	}
	jb, _, err := config.CoerceToJSONBytes(path, b)
	if err != nil {
		return Source{}, fmt.Errorf("source %s: %w", path, err)
	}

	src := Source{Enabled: true}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&src); err != nil {
		return Source{}, fmt.Errorf("source %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Source{}, fmt.Errorf("source %s: trailing data", path)
		}
		return Source{}, fmt.Errorf("source %s: %w", path, err)
	}

	if err := src.Normalize(); err != nil {
		return Source{}, fmt.Errorf("source %s: %w", path, err)
	}
	if err := validate.Struct(&src); err != nil {
		return Source{}, fmt.Errorf("source %s: %w", path, err)
	}
	return src, nil
}
