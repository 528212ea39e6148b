package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// makeRunDir creates the next numbered run directory under base, e.g.
// runinfo/000, runinfo/001, ...
func makeRunDir(base string) (string, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", err
	}
	next := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n >= next {
			next = n + 1
		}
	}
	dir := filepath.Join(base, fmt.Sprintf("%03d", next))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
