package config

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	yaml "go.yaml.in/yaml/v3"
)

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// coerceToJSON re-encodes YAML input as JSON so both formats share the strict
// JSON decoder. JSON input is returned untouched. The second result names the
// source format for error messages.
func coerceToJSON(name string, data []byte) ([]byte, string, error) {
	if !isYAML(name) {
		return data, "json", nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", errors.Wrap(err, "parse yaml")
	}
	if doc.Kind == 0 {
		return []byte("{}"), "yaml", nil
	}
	v, err := yamlValue(&doc)
	if err != nil {
		return nil, "yaml", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", errors.Wrap(err, "encode yaml as json")
	}
	return out, "yaml", nil
}

// yamlValue walks the node tree. Mapping keys must be scalars since JSON
// objects only have string keys.
func yamlValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return yamlValue(n.Content[0])
	case yaml.AliasNode:
		return yamlValue(n.Alias)
	case yaml.SequenceNode:
		items := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := yamlValue(c)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case yaml.MappingNode:
		obj := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, val := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return nil, errors.Newf("line %d: mapping key must be a scalar", k.Line)
			}
			if k.Value == "<<" {
				return nil, errors.Newf("line %d: merge keys are not supported", k.Line)
			}
			v, err := yamlValue(val)
			if err != nil {
				return nil, err
			}
			obj[k.Value] = v
		}
		return obj, nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, errors.Wrapf(err, "line %d", n.Line)
		}
		return v, nil
	default:
		return nil, errors.Newf("line %d: unsupported yaml node", n.Line)
	}
}
