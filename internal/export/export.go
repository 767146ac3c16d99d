// Package export writes a build's generated files to disk or to a zip archive.
package export

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/joescharf/apex/internal/models"
)

// cleanPath normalizes a generated file path to a relative slash path. It
// returns "" for paths that are empty or escape the archive root.
func cleanPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return ""
	}
	return p
}

// WriteZip writes files as a deflated zip archive. Files without a path or
// content are skipped; a path seen twice keeps the later content. It returns
// the number of entries written.
func WriteZip(w io.Writer, files []models.GeneratedFile, modified time.Time) (int, error) {
	order, byPath := dedupe(files)

	zw := zip.NewWriter(w)
	for _, name := range order {
		f := byPath[name]
		hdr := &zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified,
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return 0, fmt.Errorf("add %s: %w", name, err)
		}
		if _, err := io.WriteString(fw, f.Content); err != nil {
			return 0, fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finish archive: %w", err)
	}
	return len(order), nil
}

// WriteDir writes files under dir, creating parent directories as needed.
// It returns the number of files written.
func WriteDir(dir string, files []models.GeneratedFile) (int, error) {
	order, byPath := dedupe(files)
	for _, name := range order {
		dst := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return 0, fmt.Errorf("create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(dst, []byte(byPath[name].Content), 0o644); err != nil {
			return 0, fmt.Errorf("write %s: %w", name, err)
		}
	}
	return len(order), nil
}

func dedupe(files []models.GeneratedFile) ([]string, map[string]models.GeneratedFile) {
	var order []string
	byPath := make(map[string]models.GeneratedFile, len(files))
	for _, f := range files {
		name := cleanPath(f.Path)
		if name == "" || f.Content == "" {
			continue
		}
		if _, seen := byPath[name]; !seen {
			order = append(order, name)
		}
		byPath[name] = f
	}
	return order, byPath
}
