package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey lists other files merged underneath the current one.
const includeKey = "$include"

// Load reads path, resolves includes, expands environment variables, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode types a document returned by LoadRaw and applies defaults. It does
// not validate, so callers can layer overrides first.
func Decode(raw map[string]any) (*Config, error) {
	cfg, err := decode(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// LoadRaw returns the merged document for path before typed decoding.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &loader{active: map[string]bool{}}
	return l.load(path)
}

// loader tracks the include chain being resolved to reject cycles.
type loader struct {
	active map[string]bool
}

func (l *loader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.active[abs] {
		return nil, fmt.Errorf("config include cycle at %s", abs)
	}
	l.active[abs] = true
	defer delete(l.active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	doc, err := parse([]byte(expandEnv(string(data))), abs)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", abs, err)
	}

	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	// Included files form the base; the including file wins.
	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		base, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		merge(merged, base)
	}
	merge(merged, doc)
	return merged, nil
}

// expandEnv substitutes $VAR and ${VAR} while leaving the include key intact.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if "$"+name == includeKey {
			return includeKey
		}
		return os.Getenv(name)
	})
}

// parse picks JSON5 for .json and .json5 files and YAML otherwise.
func parse(data []byte, path string) (map[string]any, error) {
	doc := map[string]any{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single yaml document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func popIncludes(doc map[string]any) ([]string, error) {
	value, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	var out []string
	switch v := value.(type) {
	case nil:
	case string:
		out = append(out, v)
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			out = append(out, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings", includeKey)
	}
	return nonEmpty(out), nil
}

func nonEmpty(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// merge deep-merges src into dst; nested maps merge, everything else replaces.
func merge(dst, src map[string]any) {
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				merge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
}

// decode round-trips the merged map through yaml so unknown keys are rejected.
func decode(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
