// Package bconfig parses the two small text formats CASC storages use to
// point at the rest of the archive: `.build.info` (a one-row pipe-DSV with
// a typed header) and the build config it names (KEY = VALUE... lines).
package bconfig

import (
	"fmt"
	"strings"

	"github.com/cascfs/casc/internal/dsv"
)

// BuildInfo is the parsed `.build.info` file: one header row of NAME!TYPE
// columns and one values row, joined into a name->value lookup.
type BuildInfo struct {
	values map[string]string
}

// ParseBuildInfo parses `.build.info`'s pipe-delimited, '#'-commented text.
// It requires at least a header row and one values row; the header row's
// columns must each be of the form NAME!TYPE.
func ParseBuildInfo(text string) (*BuildInfo, error) {
	rows, err := dsv.Load(strings.NewReader(text), "|", "#")
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("build.info: need at least a header and a values row, got %d", len(rows))
	}
	header, values := rows[0], rows[1]
	if len(header) != len(values) {
		return nil, fmt.Errorf("build.info: header has %d columns, values row has %d", len(header), len(values))
	}
	m := make(map[string]string, len(header))
	for i, col := range header {
		name, typ, ok := strings.Cut(col, "!")
		if !ok || name == "" || typ == "" {
			return nil, fmt.Errorf("build.info: malformed header column %q", col)
		}
		m[name] = values[i]
	}
	return &BuildInfo{values: m}, nil
}

// Get returns the named column's value, or def if the column is absent.
func (b *BuildInfo) Get(name, def string) string {
	if v, ok := b.values[name]; ok {
		return v
	}
	return def
}
