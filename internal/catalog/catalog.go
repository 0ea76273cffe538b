// Package catalog loads the list of every queue known to the application and
// expands queue tokens against it.
//
// A catalog file is YAML:
//
//	queues:
//	  - default
//	  - mailers
package catalog

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Wildcard stands for every queue in the catalog when it appears as a queue
// name inside a token.
const Wildcard = "*"

var (
	ErrNoCatalog    = errors.New("no queue catalog configured")
	ErrEmptyNegated = errors.New("negated queue selection leaves no queues")
)

// Catalog is the ordered set of known queue names.
type Catalog struct {
	Queues []string `yaml:"queues"`
}

// Load reads a catalog from the YAML file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queue catalog: %w", err)
	}

	return Parse(data)
}

// Parse decodes a catalog from YAML. Blank and duplicate names are dropped.
func Parse(data []byte) (*Catalog, error) {
	var raw Catalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse queue catalog: %w", err)
	}

	c := &Catalog{Queues: make([]string, 0, len(raw.Queues))}
	for _, q := range raw.Queues {
		q = strings.TrimSpace(q)
		if q == "" || slices.Contains(c.Queues, q) {
			continue
		}

		c.Queues = append(c.Queues, q)
	}

	return c, nil
}

// Expand rewrites queue tokens against the catalog c, which may be nil.
//
// Without negate, any "*" inside a token is replaced by every catalog queue.
// With negate, a single token is returned holding every catalog queue that is
// not named by any input token.
func Expand(c *Catalog, tokens []string, negate bool) ([]string, error) {
	if negate {
		if c == nil {
			return nil, fmt.Errorf("negate: %w", ErrNoCatalog)
		}

		excluded := make(map[string]struct{})
		for _, token := range tokens {
			for q := range strings.SplitSeq(token, ",") {
				excluded[q] = struct{}{}
			}
		}

		var remaining []string
		for _, q := range c.Queues {
			if _, ok := excluded[q]; !ok {
				remaining = append(remaining, q)
			}
		}

		if len(remaining) == 0 {
			return nil, ErrEmptyNegated
		}

		return []string{strings.Join(remaining, ",")}, nil
	}

	expanded := make([]string, 0, len(tokens))

	for _, token := range tokens {
		names := strings.Split(token, ",")
		if !slices.Contains(names, Wildcard) {
			expanded = append(expanded, token)
			continue
		}

		if c == nil {
			return nil, fmt.Errorf("expand %q: %w", token, ErrNoCatalog)
		}

		var out []string
		for _, q := range names {
			if q == Wildcard {
				out = append(out, c.Queues...)
				continue
			}

			out = append(out, q)
		}

		expanded = append(expanded, strings.Join(out, ","))
	}

	return expanded, nil
}
