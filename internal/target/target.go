// Package target turns the input list into the units of work of a batch run.
package target

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// PendingSuffix marks a staged file whose content has not been verified yet.
const PendingSuffix = ".pending"

var archiveExtensions = []string{".zip", ".7z"}

// Target is one URL of the input list and the paths derived from it.
type Target struct {
	ID         string
	URL        string
	FinalPath  string
	StagedPath string
	Line       int
}

// New derives a Target from rawURL, rooted at dir.
func New(dir, rawURL string) (Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, err
	}

	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Target{}, fmt.Errorf("not an absolute http(s) URL")
	}

	id := Identifier(u)

	return Target{
		ID:         id,
		URL:        u.String(),
		FinalPath:  filepath.Join(dir, id),
		StagedPath: filepath.Join(dir, id+PendingSuffix),
	}, nil
}

// Identifier names the local files of a URL. A last path segment carrying an
// archive extension is used as is; anything else falls back to host and path.
func Identifier(u *url.URL) string {
	base := path.Base(u.Path)
	ext := strings.ToLower(path.Ext(base))

	for _, known := range archiveExtensions {
		if ext == known {
			return sanitize(base)
		}
	}

	parts := []string{u.Host}

	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}

	if u.RawQuery != "" {
		parts = append(parts, u.RawQuery)
	}

	return sanitize(strings.Join(parts, "_"))
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '(', r == ')', r == ' ':
			return r
		}

		return '_'
	}, s)

	s = strings.Trim(s, ". ")
	if s == "" {
		return "download"
	}

	return s
}

// Warning is a non fatal problem with one line of the input list.
type Warning struct {
	Line   int
	Text   string
	Reason string
}

func (w Warning) Error() string {
	return fmt.Sprintf("line %d: %s: %q", w.Line, w.Reason, w.Text)
}

// ParseList reads one URL per line. Blank lines and lines starting with '#'
// are ignored; malformed lines and repeated URLs are returned as warnings.
// Distinct URLs whose identifiers collide all stay in the list: every later
// one gets a suffix derived from its URL.
func ParseList(r io.Reader, dir string) ([]Target, []Warning, error) {
	var (
		targets  []Target
		warnings []Warning
		seenURL  = make(map[string]int)
		seenID   = make(map[string]bool)
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0

	for scanner.Scan() {
		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		t, err := New(dir, text)
		if err != nil {
			warnings = append(warnings, Warning{Line: line, Text: text, Reason: err.Error()})

			continue
		}

		if first, ok := seenURL[t.URL]; ok {
			warnings = append(warnings, Warning{
				Line:   line,
				Text:   text,
				Reason: fmt.Sprintf("duplicate of line %d", first),
			})

			continue
		}

		if _, ok := seenID[t.ID]; ok {
			t = disambiguate(t, dir, seenID)
		}

		t.Line = line
		seenURL[t.URL] = line
		seenID[t.ID] = true
		targets = append(targets, t)
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read list: %w", err)
	}

	return targets, warnings, nil
}

// disambiguate renames t so its identifier is not in taken, keeping the
// archive extension last: game.zip becomes game-1a2b3c4d.zip.
func disambiguate(t Target, dir string, taken map[string]bool) Target {
	ext := path.Ext(t.ID)
	stem := strings.TrimSuffix(t.ID, ext)
	tag := fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(t.URL)))

	id := stem + "-" + tag + ext
	for n := 2; taken[id]; n++ {
		id = fmt.Sprintf("%s-%s-%d%s", stem, tag, n, ext)
	}

	t.ID = id
	t.FinalPath = filepath.Join(dir, id)
	t.StagedPath = filepath.Join(dir, id+PendingSuffix)

	return t
}
