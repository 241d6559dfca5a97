// Package chunker splits raw document text into ordered, overlapping chunks
// for embedding and retrieval.
package chunker

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrInvalidChunkSize is returned when the requested chunk size is not positive.
var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Chunk is a contiguous span of document text. StartChar and EndChar are
// character offsets into the source text, half-open [StartChar, EndChar).
type Chunk struct {
	Text      string `json:"text"`
	StartChar int    `json:"start_char"`
	EndChar   int    `json:"end_char"`
}

// Mode selects the segmentation strategy.
type Mode string

const (
	// ModeFixed windows the text at chunkSize with sentence-boundary snapping.
	ModeFixed Mode = "fixed"
	// ModeAdaptive accumulates whole paragraphs up to chunkSize.
	ModeAdaptive Mode = "adaptive"
)

var paragraphRe = regexp.MustCompile(`\n\s*\n`)

// Split segments text into chunks of roughly chunkSize characters with the
// given overlap. Empty input yields no chunks. An unknown mode falls back to
// fixed segmentation.
func Split(text string, chunkSize, overlap int, mode Mode) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if text == "" {
		return nil, nil
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		// keep the window advancing
		overlap = chunkSize - 1
	}

	if mode == ModeAdaptive {
		return adaptiveChunks(text, chunkSize, overlap), nil
	}
	return fixedChunks(text, chunkSize, overlap), nil
}

func fixedChunks(text string, chunkSize, overlap int) []Chunk {
	// Window over runes so multi-byte characters are never cut in half and
	// offsets count characters, not bytes.
	runes := []rune(text)
	if len(runes) <= chunkSize {
		return []Chunk{{Text: text, StartChar: 0, EndChar: len(runes)}}
	}

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + chunkSize
		if end < len(runes) {
			// Snap to the nearest sentence terminator inside the window,
			// but only if it lies past the window's midpoint and the next
			// window would still start after the current one.
			if idx := lastSentenceEnd(runes[start:end]); idx >= 0 {
				sentenceEnd := start + idx + 1
				if sentenceEnd > start+chunkSize/2 && sentenceEnd-overlap > start {
					end = sentenceEnd
				}
			}
		} else {
			end = len(runes)
		}

		chunks = append(chunks, Chunk{Text: string(runes[start:end]), StartChar: start, EndChar: end})

		if end == len(runes) {
			break
		}

		start = end - overlap

		// Drop a trailing window that would be smaller than half a chunk
		// once the overlap is applied.
		if start+chunkSize > len(runes) && len(runes)-start < chunkSize/2 {
			break
		}
	}

	return chunks
}

// lastSentenceEnd returns the index of the last ". " in window, or -1.
func lastSentenceEnd(window []rune) int {
	for i := len(window) - 2; i >= 0; i-- {
		if window[i] == '.' && window[i+1] == ' ' {
			return i
		}
	}
	return -1
}

func adaptiveChunks(text string, chunkSize, overlap int) []Chunk {
	paragraphs := paragraphRe.Split(text, -1)

	var chunks []Chunk
	var buf []string
	bufSize := 0
	start := 0

	flush := func() string {
		chunkText := strings.Join(buf, "\n\n")
		chunks = append(chunks, Chunk{Text: chunkText, StartChar: start, EndChar: start + utf8.RuneCountInString(chunkText)})
		return chunkText
	}

	for _, paragraph := range paragraphs {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}

		// An oversized paragraph bypasses the buffer entirely: flush what we
		// have, then segment the paragraph on its own via fixed windows.
		paragraphLen := utf8.RuneCountInString(paragraph)
		if paragraphLen > chunkSize {
			if len(buf) > 0 {
				chunkText := flush()
				start += utf8.RuneCountInString(chunkText)
				buf = nil
				bufSize = 0
			}
			for _, sub := range fixedChunks(paragraph, chunkSize, overlap) {
				chunks = append(chunks, Chunk{
					Text:      sub.Text,
					StartChar: start + sub.StartChar,
					EndChar:   start + sub.EndChar,
				})
			}
			start += paragraphLen
			continue
		}

		if bufSize > 0 && bufSize+2+paragraphLen > chunkSize {
			chunkText := flush()

			// Seed the next buffer with the last two paragraphs for context.
			keep := buf
			if len(keep) > 2 {
				keep = keep[len(keep)-2:]
			}
			buf = append([]string(nil), keep...)
			bufSize = joinedLen(buf)
			start += utf8.RuneCountInString(chunkText) - bufSize
		}

		buf = append(buf, paragraph)
		if bufSize == 0 {
			bufSize = paragraphLen
		} else {
			bufSize += 2 + paragraphLen
		}
	}

	if len(buf) > 0 {
		flush()
	}

	return chunks
}

func joinedLen(parts []string) int {
	n := 0
	for i, p := range parts {
		if i > 0 {
			n += 2
		}
		n += utf8.RuneCountInString(p)
	}
	return n
}
