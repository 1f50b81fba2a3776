package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(n int, edit map[int]string) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if s, ok := edit[i]; ok {
			b.WriteString(s)
		} else {
			b.WriteString("line")
			b.WriteString(strings.Repeat("!", i))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func TestIdentical(t *testing.T) {
	e := NewEngine(3)
	res, err := e.Diff([]byte("a\nb\n"), []byte("a\nb\n"))
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Equal(t, 0, res.Stats.Changes)
	assert.Equal(t, "", res.Format())
}

func TestSingleReplacement(t *testing.T) {
	e := NewEngine(1)
	res, err := e.Diff([]byte("a\nb\nc\nd\n"), []byte("a\nB\nc\nd\n"))
	require.NoError(t, err)

	require.Len(t, res.Hunks, 1)
	h := res.Hunks[0]
	assert.Equal(t, 1, h.OldStart)
	assert.Equal(t, 3, h.OldLines)
	assert.Equal(t, 1, h.NewStart)
	assert.Equal(t, 3, h.NewLines)
	assert.Equal(t, 1, res.Stats.Additions)
	assert.Equal(t, 1, res.Stats.Deletions)

	assert.Equal(t, "@@ -1,3 +1,3 @@\n  a\n- b\n+ B\n  c\n", res.Format())
}

func TestHunksSplitAndMerge(t *testing.T) {
	old := lines(20, nil)
	changed := lines(20, map[int]string{2: "x", 18: "y"})

	res, err := NewEngine(2).Diff([]byte(old), []byte(changed))
	require.NoError(t, err)
	require.Len(t, res.Hunks, 2)
	assert.Equal(t, 1, res.Hunks[0].OldStart)
	assert.Equal(t, 16, res.Hunks[1].OldStart)
	assert.Equal(t, 5, res.Hunks[1].OldLines)

	near := lines(20, map[int]string{5: "x", 9: "y"})
	res, err = NewEngine(2).Diff([]byte(old), []byte(near))
	require.NoError(t, err)
	require.Len(t, res.Hunks, 1)
	assert.Equal(t, 3, res.Hunks[0].OldStart)
	assert.Equal(t, 9, res.Hunks[0].OldLines)
}

func TestAdditionsAndDeletions(t *testing.T) {
	e := NewEngine(0)

	res, err := e.Diff(nil, []byte("a\nb\n"))
	require.NoError(t, err)
	require.Len(t, res.Hunks, 1)
	assert.Equal(t, "@@ -0,0 +1,2 @@\n+ a\n+ b\n", res.Format())

	res, err = e.Diff([]byte("a\nb\nc\n"), []byte("a\nc\n"))
	require.NoError(t, err)
	require.Len(t, res.Hunks, 1)
	h := res.Hunks[0]
	assert.Equal(t, 2, h.OldStart)
	assert.Equal(t, 1, h.OldLines)
	assert.Equal(t, 1, h.NewStart)
	assert.Equal(t, 0, h.NewLines)
	assert.Equal(t, 2, h.Lines[0].OldNum)

	res, err = e.Diff([]byte("a\nb\n"), []byte("a\nx\nb\n"))
	require.NoError(t, err)
	require.Len(t, res.Hunks, 1)
	assert.Equal(t, "@@ -1,0 +2,1 @@\n+ x\n", res.Format())
}
