package config

import (
	"fmt"
	"strconv"
	"strings"
)

// listFlag is a separated list of values, or a YAML list in the config
// file. When allowed values are set, other values are rejected.
type listFlag struct {
	sep     string
	allowed map[string]bool
	value   string
	values  []string
}

func newListFlag(sep string, allowed ...string) *listFlag {
	lf := &listFlag{sep: sep, allowed: make(map[string]bool)}
	for _, a := range allowed {
		lf.allowed[a] = true
	}

	return lf
}

func commaListFlag(allowed ...string) *listFlag {
	return newListFlag(",", allowed...)
}

func (lf *listFlag) validate() error {
	if len(lf.allowed) == 0 {
		return nil
	}

	for _, v := range lf.values {
		if !lf.allowed[v] {
			return fmt.Errorf("value not allowed: %s", v)
		}
	}

	return nil
}

func (lf *listFlag) Set(value string) error {
	if lf == nil {
		return nil
	}

	lf.value = value
	lf.values = nil
	for _, v := range strings.Split(value, lf.sep) {
		if v = strings.TrimSpace(v); v != "" {
			lf.values = append(lf.values, v)
		}
	}

	return lf.validate()
}

func (lf *listFlag) UnmarshalYAML(unmarshal func(any) error) error {
	var values []string
	if err := unmarshal(&values); err != nil {
		return err
	}

	lf.value = strings.Join(values, lf.sep)
	lf.values = values
	return lf.validate()
}

func (lf *listFlag) String() string {
	if lf == nil {
		return ""
	}

	return lf.value
}

// ints returns the values as integers.
func (lf *listFlag) ints() ([]int, error) {
	var ints []int
	for _, v := range lf.values {
		i, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", v, err)
		}

		ints = append(ints, i)
	}

	return ints, nil
}
