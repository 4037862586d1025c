package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReadFile loads a YAML config file and flattens it into environment-style
// keys, so
//
//	ai:
//	  model: gemini-2.0-flash-001
//
// becomes TEXTQL_AI_MODEL.
func ReadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseYAML(data)
}

func ParseYAML(data []byte) (map[string]string, error) {
	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}
	values := make(map[string]string)
	if err := flatten("TEXTQL", root, values); err != nil {
		return nil, err
	}
	return values, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) error {
	keys := make([]string, 0, len(node))
	for key := range node {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		name := prefix + "_" + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), "-", "_"))
		switch value := node[key].(type) {
		case map[string]any:
			if err := flatten(name, value, out); err != nil {
				return err
			}
		case []any:
			parts := make([]string, 0, len(value))
			for _, item := range value {
				switch item.(type) {
				case map[string]any, []any:
					return fmt.Errorf("config key %s: nested lists are not supported", name)
				}
				parts = append(parts, fmt.Sprint(item))
			}
			out[name] = strings.Join(parts, ",")
		case nil:
			continue
		default:
			out[name] = fmt.Sprint(value)
		}
	}
	return nil
}

func MapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

// Layered consults each lookup in order and returns the first hit.
func Layered(lookups ...LookupFunc) LookupFunc {
	return func(key string) (string, bool) {
		for _, lookup := range lookups {
			if lookup == nil {
				continue
			}
			if value, ok := lookup(key); ok {
				return value, true
			}
		}
		return "", false
	}
}
