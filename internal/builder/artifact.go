package builder

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/sitesync/engine/internal/provider"
)

// skipped never ship, wherever they appear in the output tree.
var skipped = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// sourceOnly are dropped from a site root that was deployed as-is.
var sourceOnly = map[string]bool{
	"package.json":      true,
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
}

// Package collects root into an Artifact. Zip entries use forward-slash paths
// relative to root in sorted order.
func Package(root string, stripSources bool) (*provider.Artifact, error) {
	files := map[string][]byte{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && skipped[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if stripSources && !strings.Contains(rel, "/") && sourceOnly[rel] {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[rel] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect output: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("build output %s is empty", root)
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	modified := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, p := range paths {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: p, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", p, err)
		}
		if _, err := w.Write(files[p]); err != nil {
			return nil, fmt.Errorf("zip %s: %w", p, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish zip: %w", err)
	}
	return &provider.Artifact{Zip: buf.Bytes(), Files: files}, nil
}
