package config

import (
	"fmt"
	"strings"

	"github.com/dashgate/dashgate"
)

// legacyRouteFlags collects the fixed proxies in the form of
// prefix=target, one per flag occurrence or YAML list item.
type legacyRouteFlags struct {
	routes []dashgate.LegacyRoute
}

func parseLegacyRoute(value string) (dashgate.LegacyRoute, error) {
	prefix, target, ok := strings.Cut(value, "=")
	prefix, target = strings.TrimSpace(prefix), strings.TrimSpace(target)
	if !ok || !strings.HasPrefix(prefix, "/") || target == "" {
		return dashgate.LegacyRoute{}, fmt.Errorf("invalid legacy route, expected format /prefix=http://target but got: %q", value)
	}

	return dashgate.LegacyRoute{Prefix: prefix, Target: target}, nil
}

func (f *legacyRouteFlags) String() string {
	if f == nil {
		return ""
	}

	var s []string
	for _, r := range f.routes {
		s = append(s, r.Prefix+"="+r.Target)
	}

	return strings.Join(s, " ")
}

func (f *legacyRouteFlags) Set(value string) error {
	r, err := parseLegacyRoute(value)
	if err != nil {
		return err
	}

	f.routes = append(f.routes, r)
	return nil
}

func (f *legacyRouteFlags) UnmarshalYAML(unmarshal func(any) error) error {
	var values []string
	if err := unmarshal(&values); err != nil {
		return err
	}

	f.routes = nil
	for _, v := range values {
		if err := f.Set(v); err != nil {
			return err
		}
	}

	return nil
}
