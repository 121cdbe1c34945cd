package routestore

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func decode(name string, data []byte) ([]*Route, error) {
	var routes []*Route
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	if isYAML(name) {
		if err := yaml.Unmarshal(data, &routes); err != nil {
			return nil, err
		}

		return routes, nil
	}

	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, err
	}

	return routes, nil
}

func encode(name string, routes []*Route) ([]byte, error) {
	if routes == nil {
		routes = []*Route{}
	}

	if isYAML(name) {
		return yaml.Marshal(routes)
	}

	return json.MarshalIndent(routes, "", "    ")
}
