// Package diff renders line diffs between two renditions of a file.
package diff

import (
	"bytes"
	"fmt"
)

// Line represents a single line in a diff with its type and content.
// OldNum and NewNum are 1-based; zero means the line is absent on that side.
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// DiffResult contains the complete diff information
type DiffResult struct {
	Hunks []Hunk
	Stats struct {
		Additions int
		Deletions int
		Changes   int
	}
}

// Empty reports whether both sides were identical.
func (r *DiffResult) Empty() bool {
	return len(r.Hunks) == 0
}

// Hunk represents a continuous section of changes
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
}

// NewEngine creates a new diff engine with specified context lines
func NewEngine(contextLines int) *Engine {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Engine{
		contextLines: contextLines,
	}
}

// Diff generates a line-by-line diff between two contents
func (e *Engine) Diff(oldContent, newContent []byte) (*DiffResult, error) {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	script := editScript(oldLines, newLines, computeLCS(oldLines, newLines))

	result := &DiffResult{Hunks: e.group(script)}
	for _, line := range script {
		switch line.Type {
		case Addition:
			result.Stats.Additions++
		case Deletion:
			result.Stats.Deletions++
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions

	return result, nil
}

func splitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(content, []byte{'\n'}), []byte{'\n'})
}

// computeLCS builds the suffix table: matrix[i][j] is the LCS length of
// oldLines[i:] and newLines[j:].
func computeLCS(oldLines, newLines [][]byte) [][]int {
	matrix := make([][]int, len(oldLines)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(newLines)+1)
	}

	for i := len(oldLines) - 1; i >= 0; i-- {
		for j := len(newLines) - 1; j >= 0; j-- {
			if bytes.Equal(oldLines[i], newLines[j]) {
				matrix[i][j] = matrix[i+1][j+1] + 1
			} else {
				matrix[i][j] = max(matrix[i+1][j], matrix[i][j+1])
			}
		}
	}

	return matrix
}

// editScript walks the table front to back, preferring deletions so removed
// lines print before their replacements.
func editScript(oldLines, newLines [][]byte, lcs [][]int) []Line {
	var script []Line
	i, j := 0, 0
	for i < len(oldLines) || j < len(newLines) {
		switch {
		case i < len(oldLines) && j < len(newLines) && bytes.Equal(oldLines[i], newLines[j]):
			script = append(script, Line{Type: Context, Content: string(oldLines[i]), OldNum: i + 1, NewNum: j + 1})
			i++
			j++
		case i < len(oldLines) && (j == len(newLines) || lcs[i+1][j] >= lcs[i][j+1]):
			script = append(script, Line{Type: Deletion, Content: string(oldLines[i]), OldNum: i + 1})
			i++
		default:
			script = append(script, Line{Type: Addition, Content: string(newLines[j]), NewNum: j + 1})
			j++
		}
	}
	return script
}

// group cuts the script into hunks carrying up to contextLines of unchanged
// lines on each side. Changes closer than twice that share a hunk.
func (e *Engine) group(script []Line) []Hunk {
	var hunks []Hunk

	for idx := 0; idx < len(script); {
		if script[idx].Type == Context {
			idx++
			continue
		}

		start := max(0, idx-e.contextLines)
		end := idx
		for end < len(script) {
			if script[end].Type != Context {
				end++
				continue
			}
			run := end
			for run < len(script) && script[run].Type == Context {
				run++
			}
			if run == len(script) || run-end > 2*e.contextLines {
				end = min(run, end+e.contextLines)
				break
			}
			end = run
		}

		hunks = append(hunks, newHunk(script, start, end))
		idx = end
	}

	return hunks
}

// newHunk builds the hunk for script[start:end]. A side with no lines in
// the hunk starts at the last line before it, as unified diffs do.
func newHunk(script []Line, start, end int) Hunk {
	h := Hunk{Lines: append([]Line(nil), script[start:end]...)}
	for _, l := range script[:start] {
		if l.OldNum > 0 {
			h.OldStart = l.OldNum
		}
		if l.NewNum > 0 {
			h.NewStart = l.NewNum
		}
	}
	oldSeen, newSeen := false, false
	for _, l := range h.Lines {
		if l.OldNum > 0 {
			if !oldSeen {
				h.OldStart, oldSeen = l.OldNum, true
			}
			h.OldLines++
		}
		if l.NewNum > 0 {
			if !newSeen {
				h.NewStart, newSeen = l.NewNum, true
			}
			h.NewLines++
		}
	}
	return h
}

// Format returns a string representation of the diff
func (r *DiffResult) Format() string {
	var buf bytes.Buffer

	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				buf.WriteString("+ ")
			case Deletion:
				buf.WriteString("- ")
			case Context:
				buf.WriteString("  ")
			}
			buf.WriteString(line.Content)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}
