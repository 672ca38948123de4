// Package dsv loads simple delimiter-separated text: no quoting, no escapes,
// optional comment-prefixed lines skipped, blank lines skipped.
package dsv

import (
	"bufio"
	"io"
	"strings"
)

// Load splits every non-blank, non-comment line of r on delim, preserving
// file order. comment may be empty to disable comment handling.
func Load(r io.Reader, delim, comment string) ([][]string, error) {
	var rows [][]string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if comment != "" && strings.HasPrefix(line, comment) {
			continue
		}
		rows = append(rows, strings.Split(line, delim))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
