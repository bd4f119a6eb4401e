package rehydrate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Search/replace block markers.
const (
	searchMarker  = "<<<<<<< SEARCH"
	divideMarker  = "======="
	replaceMarker = ">>>>>>> REPLACE"
)

// ErrInvalidHunk is returned when a unified-diff hunk does not fit the
// file it patches.
var ErrInvalidHunk = errors.New("Invalid hunk")

// Patcher applies patches to a VFS, serializing concurrent edits per file
// path.
type Patcher struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPatcher returns a Patcher with no locks held.
func NewPatcher() *Patcher {
	return &Patcher{locks: make(map[string]*sync.Mutex)}
}

// Apply patches the file at filePath inside the VFS. Two formats are
// recognized: search/replace blocks and unified diffs. The file lock for
// the path is held for the duration, so concurrent patches to one file
// apply one at a time.
func (p *Patcher) Apply(v *VFS, filePath, patch string, modTime time.Time) error {
	clean, err := sanitizePath(filePath)
	if err != nil {
		return err
	}
	lock := p.pathLock(clean)
	lock.Lock()
	defer lock.Unlock()

	current := ""
	if v.Exists(clean) {
		current, err = v.ReadFile(clean)
		if err != nil {
			return err
		}
	}
	var next string
	switch {
	case strings.Contains(patch, searchMarker):
		next, err = applySearchReplace(current, patch)
	case isUnifiedDiff(patch):
		next, err = applyUnified(current, patch)
	default:
		return fmt.Errorf("unrecognized patch format for %s", clean)
	}
	if err != nil {
		return fmt.Errorf("patch %s: %w", clean, err)
	}
	return v.WriteFile(clean, next, modTime)
}

// pathLock returns the mutex guarding the path, creating it on first use.
func (p *Patcher) pathLock(clean string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[clean]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[clean] = lock
	}
	return lock
}

// isUnifiedDiff reports whether the patch carries unified-diff hunks.
func isUnifiedDiff(patch string) bool {
	for _, line := range strings.Split(patch, "\n") {
		if strings.HasPrefix(line, "@@ -") {
			return true
		}
	}
	return false
}

// applySearchReplace applies the first search/replace block in the patch.
// An empty SEARCH section replaces the whole file, which is how new files
// are created. Otherwise the first occurrence of the search text is
// replaced.
func applySearchReplace(content, patch string) (string, error) {
	search, replace, err := splitSearchReplace(patch)
	if err != nil {
		return "", err
	}
	if search == "" {
		return replace, nil
	}
	if !strings.Contains(content, search) {
		return "", errors.New("search text not found")
	}
	return strings.Replace(content, search, replace, 1), nil
}

// splitSearchReplace extracts the SEARCH and REPLACE sections.
func splitSearchReplace(patch string) (search, replace string, err error) {
	lines := strings.Split(patch, "\n")
	var (
		searchLines  []string
		replaceLines []string
		section      int // 0 before, 1 search, 2 replace, 3 done
	)
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(trimmed, searchMarker):
			if section != 0 {
				return "", "", errors.New("nested SEARCH marker")
			}
			section = 1
		case trimmed == divideMarker && section == 1:
			section = 2
		case strings.HasPrefix(trimmed, replaceMarker):
			if section != 2 {
				return "", "", errors.New("REPLACE marker before divider")
			}
			section = 3
		default:
			switch section {
			case 1:
				searchLines = append(searchLines, trimmed)
			case 2:
				replaceLines = append(replaceLines, trimmed)
			}
		}
		if section == 3 {
			break
		}
	}
	if section != 3 {
		return "", "", errors.New("unterminated search/replace block")
	}
	return strings.Join(searchLines, "\n"), strings.Join(replaceLines, "\n"), nil
}

// hunk is one parsed @@ header plus its body lines.
type hunk struct {
	oldStart, oldCount int
	newStart, newCount int
	lines              []string
}

// applyUnified applies every hunk of a unified diff in order. Hunks are
// validated against the current file length before any line changes:
// a hunk whose old range extends past the end of the file is rejected.
func applyUnified(content, patch string) (string, error) {
	hunks, err := parseHunks(patch)
	if err != nil {
		return "", err
	}
	if len(hunks) == 0 {
		return "", errors.New("no hunks in unified diff")
	}
	lines := splitLines(content)
	for _, h := range hunks {
		if h.oldStart+h.oldCount-1 > len(lines) {
			return "", fmt.Errorf("%w: lines %d-%d beyond end of %d-line file",
				ErrInvalidHunk, h.oldStart, h.oldStart+h.oldCount-1, len(lines))
		}
	}
	// Apply in order, tracking the line drift earlier hunks introduce.
	offset := 0
	for _, h := range hunks {
		lines, err = applyHunk(lines, h, offset)
		if err != nil {
			return "", err
		}
		offset += h.newCount - h.oldCount
	}
	return strings.Join(lines, "\n"), nil
}

// parseHunks extracts hunks, skipping ---/+++ headers and "\ No newline"
// markers.
func parseHunks(patch string) ([]hunk, error) {
	var (
		hunks   []hunk
		current *hunk
	)
	for _, line := range strings.Split(patch, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "@@ -"):
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			hunks = append(hunks, h)
			current = &hunks[len(hunks)-1]
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "),
			strings.HasPrefix(line, "diff "), strings.HasPrefix(line, "index "):
			continue
		case strings.HasPrefix(line, `\`):
			continue
		default:
			if current != nil {
				current.lines = append(current.lines, line)
			}
		}
	}
	return hunks, nil
}

// parseHunkHeader parses "@@ -oldStart[,oldCount] +newStart[,newCount] @@".
func parseHunkHeader(line string) (hunk, error) {
	rest := strings.TrimPrefix(line, "@@ ")
	end := strings.Index(rest, " @@")
	if end < 0 {
		return hunk{}, fmt.Errorf("%w: malformed header %q", ErrInvalidHunk, line)
	}
	fields := strings.Fields(rest[:end])
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return hunk{}, fmt.Errorf("%w: malformed header %q", ErrInvalidHunk, line)
	}
	oldStart, oldCount, err := parseRange(fields[0][1:])
	if err != nil {
		return hunk{}, fmt.Errorf("%w: %v", ErrInvalidHunk, err)
	}
	newStart, newCount, err := parseRange(fields[1][1:])
	if err != nil {
		return hunk{}, fmt.Errorf("%w: %v", ErrInvalidHunk, err)
	}
	return hunk{oldStart: oldStart, oldCount: oldCount, newStart: newStart, newCount: newCount}, nil
}

// parseRange parses "start[,count]" with count defaulting to 1.
func parseRange(s string) (start, count int, err error) {
	startStr, countStr, hasCount := strings.Cut(s, ",")
	start, err = strconv.Atoi(startStr)
	if err != nil {
		return 0, 0, fmt.Errorf("bad range %q", s)
	}
	count = 1
	if hasCount {
		count, err = strconv.Atoi(countStr)
		if err != nil {
			return 0, 0, fmt.Errorf("bad range %q", s)
		}
	}
	return start, count, nil
}

// applyHunk splices one hunk into the line slice. Context and deletion
// lines must match the file; a mismatch aborts the whole patch.
func applyHunk(lines []string, h hunk, offset int) ([]string, error) {
	// Hunk positions are 1-based; oldStart 0 means "insert before line 1".
	at := h.oldStart - 1 + offset
	if at < 0 {
		at = 0
	}
	if at > len(lines) {
		return nil, fmt.Errorf("%w: position %d beyond end of file", ErrInvalidHunk, h.oldStart)
	}
	out := make([]string, 0, len(lines)+h.newCount-h.oldCount)
	out = append(out, lines[:at]...)
	cursor := at
	for _, bodyLine := range h.lines {
		if bodyLine == "" {
			// A blank body line is an empty context line.
			bodyLine = " "
		}
		op, text := bodyLine[0], bodyLine[1:]
		switch op {
		case ' ':
			if cursor >= len(lines) || lines[cursor] != text {
				return nil, fmt.Errorf("context mismatch at line %d", cursor+1)
			}
			out = append(out, text)
			cursor++
		case '-':
			if cursor >= len(lines) || lines[cursor] != text {
				return nil, fmt.Errorf("deletion mismatch at line %d", cursor+1)
			}
			cursor++
		case '+':
			out = append(out, text)
		default:
			return nil, fmt.Errorf("%w: unexpected body line %q", ErrInvalidHunk, bodyLine)
		}
	}
	out = append(out, lines[cursor:]...)
	return out, nil
}

// splitLines splits file content into lines without a trailing empty
// artifact, so an empty file is zero lines.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
