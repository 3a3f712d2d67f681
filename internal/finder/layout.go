package finder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/mitchellh/go-homedir"
)

var (
	separatorRow = regexp.MustCompile(`^\|[\s\-|:]+\|$`)
	numericCell  = regexp.MustCompile(`^-?\d+$`)
)

// Offset is a building's position in map pixels relative to the reference
// building.
type Offset struct {
	X, Y int
}

// Layout is the parsed city grid.
type Layout struct {
	offsets map[string]Offset
	// names keeps table order so matching is deterministic.
	names     []string
	reference string
}

// EmptyLayout knows no buildings. Finding still works for anything on
// screen; scrolling does not.
func EmptyLayout() *Layout {
	return &Layout{offsets: map[string]Offset{}}
}

// LoadLayout reads a markdown grid from disk.
func LoadLayout(path, reference string, pixelsPerUnit int) (*Layout, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand layout path %q: %w", path, err)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to open layout: %w", err)
	}
	defer f.Close()
	return ParseLayout(f, reference, pixelsPerUnit)
}

// ParseLayout reads a chessboard-style markdown table, one building per
// cell. Offsets are (column, row) distances from the reference building
// times pixelsPerUnit. Pure numeric cells are axis labels and are skipped.
// A missing reference falls back to the first building in the table.
func ParseLayout(r io.Reader, reference string, pixelsPerUnit int) (*Layout, error) {
	type cell struct{ row, col int }
	var (
		rows   [][]string
		cells  = map[string]cell{}
		order  []string
		ref    *cell
		refKey = reference
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "|") || separatorRow.MatchString(line) {
			continue
		}
		parts := strings.Split(line, "|")
		parts = parts[1:]
		if n := len(parts); n > 0 && strings.TrimSpace(parts[n-1]) == "" {
			parts = parts[:n-1]
		}
		rows = append(rows, parts)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read layout: %w", err)
	}

	for ri, row := range rows {
		for ci, raw := range row {
			name := strings.TrimSpace(raw)
			if name == "" || numericCell.MatchString(name) {
				continue
			}
			if _, dup := cells[name]; !dup {
				order = append(order, name)
			}
			cells[name] = cell{ri, ci}
			if name == reference {
				c := cells[name]
				ref = &c
			}
		}
	}
	if len(order) == 0 {
		return EmptyLayout(), nil
	}
	if ref == nil {
		refKey = order[0]
		c := cells[refKey]
		ref = &c
	}

	l := &Layout{offsets: make(map[string]Offset, len(order)), names: order, reference: refKey}
	for _, name := range order {
		c := cells[name]
		l.offsets[name] = Offset{
			X: (c.col - ref.col) * pixelsPerUnit,
			Y: (c.row - ref.row) * pixelsPerUnit,
		}
	}
	return l, nil
}

// Reference is the building at offset (0, 0).
func (l *Layout) Reference() string { return l.reference }

// Len is the number of buildings.
func (l *Layout) Len() int { return len(l.names) }

// Offset returns a building's map offset.
func (l *Layout) Offset(name string) (Offset, bool) {
	o, ok := l.offsets[name]
	return o, ok
}

// Match maps recognized text to a building name: exact, then a name
// contained in the text, then (for two or more runes) the text contained in
// a name, which covers truncated recognition.
func (l *Layout) Match(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if _, ok := l.offsets[text]; ok {
		return text
	}
	for _, name := range l.names {
		if strings.Contains(text, name) {
			return name
		}
	}
	if len([]rune(text)) >= 2 {
		for _, name := range l.names {
			if strings.Contains(name, text) {
				return name
			}
		}
	}
	return ""
}
