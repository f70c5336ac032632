package runstore

import (
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// doublestarGlob matches pattern against the tree rooted at dir and returns
// absolute paths.
func doublestarGlob(dir, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, filepath.Join(dir, filepath.FromSlash(m)))
	}
	return out, nil
}
