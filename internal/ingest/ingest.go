// Package ingest inspects local documents before they are uploaded.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

var (
	ErrNoFiles         = errors.New("no files provided")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrEmptyFile       = errors.New("file is empty")
)

// contentTypes maps each accepted extension to the content type sent with it.
var contentTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".json": "application/json",
	".csv":  "text/csv",
}

// Extensions returns the accepted file extensions, sorted.
func Extensions() []string {
	exts := make([]string, 0, len(contentTypes))
	for ext := range contentTypes {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// File is a document that passed inspection.
type File struct {
	Path        string `json:"path" yaml:"path"`
	Name        string `json:"name" yaml:"name"`
	ContentType string `json:"content_type" yaml:"content_type"`
	Size        int64  `json:"size" yaml:"size"`
	// Pages is set for PDFs only.
	Pages int `json:"pages,omitempty" yaml:"pages,omitempty"`
}

// Inspect checks every path and returns the files in upload order.
// Any failure aborts the whole batch so nothing is uploaded partially.
// Paths listed twice are inspected once.
func Inspect(paths []string, logger *slog.Logger) ([]File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(paths) == 0 {
		return nil, ErrNoFiles
	}

	seen := make(map[string]bool, len(paths))
	var files []File
	for _, p := range sortByNumber(paths) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true

		f, err := inspectFile(p)
		if err != nil {
			return nil, err
		}
		logger.Debug("inspected file", "name", f.Name, "type", f.ContentType, "size", f.Size, "pages", f.Pages)
		files = append(files, f)
	}
	return files, nil
}

func inspectFile(path string) (File, error) {
	ext := strings.ToLower(filepath.Ext(path))
	ct, ok := contentTypes[ext]
	if !ok {
		return File{}, fmt.Errorf("%s: %w (accepted: %s)", path, ErrUnsupportedType, strings.Join(Extensions(), " "))
	}

	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("file not found: %s", path)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() == 0 {
		return File{}, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}

	f := File{
		Path:        path,
		Name:        filepath.Base(path),
		ContentType: ct,
		Size:        info.Size(),
	}
	if ext == ".pdf" {
		pages, err := pageCount(path)
		if err != nil {
			return File{}, err
		}
		f.Pages = pages
	}
	return f, nil
}

// pageCount reads the PDF structure, failing on unreadable documents.
func pageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	n, err := api.PageCount(f, nil)
	if err != nil {
		return 0, fmt.Errorf("unreadable PDF %s: %w", path, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("PDF %s has no pages", path)
	}
	return n, nil
}

var numberSuffix = regexp.MustCompile(`-(\d+)\.[^./\\]+$`)

// sortByNumber orders paths by their numeric suffix so that scans named
// invoice-2.pdf and invoice-10.pdf upload in sequence. Files without a
// number come first, alphabetically.
func sortByNumber(paths []string) []string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)

	sort.SliceStable(sorted, func(i, j int) bool {
		mi := numberSuffix.FindStringSubmatch(sorted[i])
		mj := numberSuffix.FindStringSubmatch(sorted[j])

		if len(mi) > 1 && len(mj) > 1 {
			ni, _ := strconv.Atoi(mi[1])
			nj, _ := strconv.Atoi(mj[1])
			if ni != nj {
				return ni < nj
			}
			return sorted[i] < sorted[j]
		}
		if len(mi) > 1 {
			return false
		}
		if len(mj) > 1 {
			return true
		}
		return sorted[i] < sorted[j]
	})

	return sorted
}
