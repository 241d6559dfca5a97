package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitInvalidChunkSize(t *testing.T) {
	_, err := Split("some text", 0, 10, ModeFixed)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = Split("some text", -5, 10, ModeAdaptive)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestSplitEmptyText(t *testing.T) {
	chunks, err := Split("", 100, 10, ModeFixed)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestFixedSingleChunkWhenTextFits(t *testing.T) {
	text := "short text"
	chunks, err := Split(text, 100, 10, ModeFixed)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].StartChar)
	assert.Equal(t, len(text), chunks[0].EndChar)
}

func TestFixedSentenceBoundarySnapping(t *testing.T) {
	text := "aaaa. bbbb. cccc. dddd"
	chunks, err := Split(text, 12, 4, ModeFixed)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, Chunk{Text: "aaaa. bbbb.", StartChar: 0, EndChar: 11}, chunks[0])
	assert.Equal(t, Chunk{Text: "bbb. cccc.", StartChar: 7, EndChar: 17}, chunks[1])
	assert.Equal(t, Chunk{Text: "ccc. dddd", StartChar: 13, EndChar: 22}, chunks[2])
}

func TestFixedSpansCoverText(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet. ", 40)
	chunkSize := 120
	chunks, err := Split(text, chunkSize, 20, ModeFixed)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	covered := 0
	for i, c := range chunks {
		assert.Equal(t, c.Text, text[c.StartChar:c.EndChar])
		if i > 0 {
			assert.GreaterOrEqual(t, c.StartChar, chunks[i-1].StartChar, "spans must be non-decreasing")
			assert.LessOrEqual(t, c.StartChar, chunks[i-1].EndChar, "consecutive chunks must touch or overlap")
		}
		if c.EndChar > covered {
			covered = c.EndChar
		}
	}

	// Union covers the text except for a possibly dropped trailing window.
	assert.GreaterOrEqual(t, covered, len(text)-chunkSize/2)
}

func TestFixedLargeOverlapStillAdvances(t *testing.T) {
	// Short sentences put a terminator in every window; when the overlap is
	// larger than half the chunk size, snapping to it must not move the next
	// window backwards.
	text := strings.Repeat("ab. ", 50)
	chunks, err := Split(text, 10, 8, ModeFixed)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i, c := range chunks {
		assert.Equal(t, c.Text, text[c.StartChar:c.EndChar])
		if i > 0 {
			assert.Greater(t, c.StartChar, chunks[i-1].StartChar, "windows must advance")
		}
	}
	assert.Equal(t, len(text), chunks[len(chunks)-1].EndChar)
}

func TestFixedKeepsMultiByteRunesIntact(t *testing.T) {
	text := strings.Repeat("é", 30)
	chunks, err := Split(text, 11, 2, ModeFixed)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	runes := []rune(text)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c.Text))
		assert.Equal(t, string(runes[c.StartChar:c.EndChar]), c.Text)
		assert.LessOrEqual(t, c.EndChar-c.StartChar, 11)
	}
}

func TestFixedDropsTinyTrailingWindow(t *testing.T) {
	// 100 chars without sentence boundaries: windows [0,60) and [40,100).
	// After the second window the remaining overlap-derived tail is dropped.
	text := strings.Repeat("x", 100)
	chunks, err := Split(text, 60, 20, ModeFixed)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].StartChar)
	assert.Equal(t, 60, chunks[0].EndChar)
	assert.Equal(t, 40, chunks[1].StartChar)
	assert.Equal(t, 100, chunks[1].EndChar)
}

func TestAdaptiveSingleChunkForSmallParagraphs(t *testing.T) {
	text := "A.\n\nB.\n\nC."
	chunks, err := Split(text, 1000, 100, ModeAdaptive)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].StartChar)
	assert.Equal(t, len(text), chunks[0].EndChar)
}

func TestAdaptiveFlushesWithParagraphOverlap(t *testing.T) {
	paragraphs := []string{
		strings.Repeat("a", 30),
		strings.Repeat("b", 30),
		strings.Repeat("c", 30),
		strings.Repeat("d", 30),
	}
	text := strings.Join(paragraphs, "\n\n")

	chunks, err := Split(text, 70, 10, ModeAdaptive)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	// Each flush seeds the next buffer with the flushed buffer's last two
	// paragraphs, so consecutive chunks share paragraph-level context.
	assert.Equal(t, paragraphs[0]+"\n\n"+paragraphs[1], chunks[0].Text)
	assert.Equal(t, paragraphs[0]+"\n\n"+paragraphs[1]+"\n\n"+paragraphs[2], chunks[1].Text)
	assert.Equal(t, paragraphs[1]+"\n\n"+paragraphs[2]+"\n\n"+paragraphs[3], chunks[2].Text)
}

func TestAdaptiveOversizedParagraphBypassesBuffer(t *testing.T) {
	big := strings.Repeat("y", 250)
	text := "intro paragraph.\n\n" + big + "\n\nclosing paragraph."

	chunks, err := Split(text, 100, 20, ModeAdaptive)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)

	assert.Equal(t, "intro paragraph.", chunks[0].Text)
	for _, c := range chunks[1 : len(chunks)-1] {
		assert.LessOrEqual(t, len(c.Text), 100)
		assert.True(t, strings.HasPrefix(c.Text, "y"))
	}
	assert.Equal(t, "closing paragraph.", chunks[len(chunks)-1].Text)
}

func TestAdaptiveOffsetsAccumulate(t *testing.T) {
	paragraphs := []string{
		strings.Repeat("a", 40),
		strings.Repeat("b", 40),
		strings.Repeat("c", 40),
	}
	text := strings.Join(paragraphs, "\n\n")

	chunks, err := Split(text, 90, 10, ModeAdaptive)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i].StartChar, chunks[i-1].StartChar)
	}
	for _, c := range chunks {
		assert.Equal(t, c.StartChar+len(c.Text), c.EndChar)
	}
}
