package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Route maps a path prefix to a named downstream service target
type Route struct {
	// Name labels the target in logs and metrics
	Name string `yaml:"name"`
	// Prefix is the request path prefix, e.g. /api/billing
	Prefix string `yaml:"prefix"`
	// Target is the downstream base URL, e.g. http://billing:8080
	Target string `yaml:"target"`
}

// RouteTable is the path-prefix dispatch table for the authorization relay
type RouteTable struct {
	Routes []Route `yaml:"routes"`
}

// LoadRouteTable reads and validates the YAML route table
func LoadRouteTable(path string) (*RouteTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading route table: %w", err)
	}

	var table RouteTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing route table: %w", err)
	}

	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid route table: %w", err)
	}

	// Longest prefix first so /api/billing wins over /api
	sort.SliceStable(table.Routes, func(i, j int) bool {
		return len(table.Routes[i].Prefix) > len(table.Routes[j].Prefix)
	})

	return &table, nil
}

// Validate checks the route table for structural problems
func (t *RouteTable) Validate() error {
	if len(t.Routes) == 0 {
		return fmt.Errorf("route table is empty")
	}

	seen := make(map[string]struct{}, len(t.Routes))
	for i, r := range t.Routes {
		if r.Name == "" {
			return fmt.Errorf("route %d: name is required", i)
		}
		if !strings.HasPrefix(r.Prefix, "/") {
			return fmt.Errorf("route %q: prefix must start with /", r.Name)
		}
		if r.Target == "" {
			return fmt.Errorf("route %q: target is required", r.Name)
		}
		if !strings.HasPrefix(r.Target, "http://") && !strings.HasPrefix(r.Target, "https://") {
			return fmt.Errorf("route %q: target must be an http(s) URL", r.Name)
		}
		if _, dup := seen[r.Prefix]; dup {
			return fmt.Errorf("route %q: duplicate prefix %s", r.Name, r.Prefix)
		}
		seen[r.Prefix] = struct{}{}
	}

	return nil
}

// Match returns the route for the longest matching path prefix
func (t *RouteTable) Match(path string) (Route, bool) {
	for _, r := range t.Routes {
		if strings.HasPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return Route{}, false
}
