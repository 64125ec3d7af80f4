package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ApplyFile seeds the environment from a YAML file.  Nested keys are
// flattened with underscores and upper-cased, so
//
//	remote:
//	  api_url: https://seats.example.com
//
// provides REMOTE_API_URL.  Variables already set in the environment win.
// It returns the keys it set.
func ApplyFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	flat := map[string]string{}
	if err := flatten("", doc, flat); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	var set []string
	for k, v := range flat {
		if _, ok := os.LookupEnv(k); ok {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return set, err
		}
		set = append(set, k)
	}
	sort.Strings(set)
	return set, nil
}

func flatten(prefix string, v any, out map[string]string) error {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			key := strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
			if prefix != "" {
				key = prefix + "_" + key
			}
			if err := flatten(key, child, out); err != nil {
				return err
			}
		}
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			switch item.(type) {
			case map[string]any, []any:
				return fmt.Errorf("%s: lists may only hold scalars", prefix)
			}
			parts = append(parts, fmt.Sprint(item))
		}
		out[prefix] = strings.Join(parts, ",")
	case nil:
	default:
		if prefix == "" {
			return fmt.Errorf("top level must be a mapping")
		}
		out[prefix] = fmt.Sprint(t)
	}
	return nil
}
