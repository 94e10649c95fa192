package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/kalambet/topicforge/internal/research"
)

var csvHeader = []string{"id", "title", "abstract", "url", "publication_year", "authors", "institutions"}

// WritePapersCSV writes one row per paper. Papers without an abstract keep
// an empty abstract column.
func WritePapersCSV(w io.Writer, papers []research.Paper) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, p := range papers {
		year := ""
		if p.Year > 0 {
			year = strconv.Itoa(p.Year)
		}
		row := []string{
			p.ID,
			p.Title,
			p.AbstractText(),
			p.URL,
			year,
			strings.Join(p.Authors, "; "),
			strings.Join(p.Institutions, "; "),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SnapshotName returns the file name of a paper snapshot for keyword taken at t.
func SnapshotName(keyword string, t time.Time) string {
	return fmt.Sprintf("papers_%s_%s.csv", Slug(keyword), t.Format("20060102_150405"))
}

// WritePapersSnapshot writes papers to dir/SnapshotName(keyword, t) and
// returns the file path.
func WritePapersSnapshot(dir, keyword string, t time.Time, papers []research.Paper) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating csv directory: %w", err)
	}
	path := filepath.Join(dir, SnapshotName(keyword, t))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating snapshot: %w", err)
	}
	if err := WritePapersCSV(f, papers); err != nil {
		f.Close()
		return "", fmt.Errorf("writing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// Slug turns s into a file-name-safe token: letters and digits are kept,
// runs of anything else become a single underscore.
func Slug(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(s) {
		if isSlugRune(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	if b.Len() == 0 {
		return "untitled"
	}
	return b.String()
}

func isSlugRune(r rune) bool {
	return r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
