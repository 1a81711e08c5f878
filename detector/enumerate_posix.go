//go:build !windows

package detector

import "path/filepath"

// platformEnumerate globs the given devnode patterns, deduplicating matches
// across patterns. Order is unspecified; the caller sorts.
func platformEnumerate(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var devnodes []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			devnodes = append(devnodes, m)
		}
	}
	return devnodes, nil
}
