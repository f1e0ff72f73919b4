package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Limits on loader input. A layer file holds a handful of sections and the
// FEISHU_* variables carry ids, secrets, addresses and URLs.
const (
	maxLayerSize = 1 << 20
	maxJSONDepth = 32
	maxEnvLen    = 4096
	maxPathLen   = 4096
)

// validateConfigPath accepts absolute paths and relative paths that stay under the
// working directory, with a .json, .yaml or .yml extension.
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("empty config path")
	}
	if len(path) > maxPathLen {
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return fmt.Errorf("layer %s is neither JSON nor YAML", path)
	}

	if filepath.IsAbs(path) {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	if rel, err := filepath.Rel(cwd, abs); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("layer %s resolves outside the working directory", path)
	}
	return nil
}

// safeReadFile reads one layer file after checking its path, type and size.
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat layer: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("layer %s is not a regular file", path)
	}
	if info.Size() > maxLayerSize {
		return nil, fmt.Errorf("layer %s is %d bytes, limit %d", path, info.Size(), maxLayerSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layer: %w", err)
	}
	return data, nil
}

// validateEnvVar rejects FEISHU_* values that cannot be a credential or address.
func validateEnvVar(key, value string) error {
	if len(value) > maxEnvLen {
		return fmt.Errorf("%s is %d bytes, limit %d", key, len(value), maxEnvLen)
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return fmt.Errorf("%s contains a control character", key)
	}
	return nil
}

// validateJSONDepth bounds nesting in a JSON layer before it is decoded into a map.
func validateJSONDepth(data []byte) error {
	depth := 0
	inString := false
	escaped := false

	for _, b := range data {
		switch {
		case escaped:
			escaped = false
		case inString && b == '\\':
			escaped = true
		case b == '"':
			inString = !inString
		case inString:
		case b == '{' || b == '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("nesting deeper than %d", maxJSONDepth)
			}
		case b == '}' || b == ']':
			depth--
			if depth < 0 {
				return errors.New("unbalanced brackets")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("%d unclosed brackets", depth)
	}
	return nil
}
