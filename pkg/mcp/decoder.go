package mcp

import (
	"bytes"
	"unicode/utf8"
)

// LineDecoder incrementally decodes a stream of newline-delimited JSON-RPC
// messages from arbitrary byte chunks. It is the UTF-8-safe counterpart to
// bufio.Scanner: a multi-byte UTF-8 code point split across two Write calls
// (which happens routinely with subprocess pipes and HTTP body chunks) is
// never mis-decoded, because incomplete trailing byte sequences are held
// back until the rest of the code point arrives.
//
// Malformed lines are skipped (counted in Feed's malformed result) rather than
// corrupting the stream: decoding resumes cleanly on the next line.
//
// A LineDecoder is not safe for concurrent use; each UpstreamSession reader
// loop owns exactly one.
type LineDecoder struct {
	pending []byte // decoded text not yet split on '\n'
	carry   []byte // raw bytes of a trailing incomplete UTF-8 sequence
}

// NewLineDecoder returns an empty LineDecoder.
func NewLineDecoder() *LineDecoder {
	return &LineDecoder{}
}

// Feed appends a chunk of raw bytes and returns the complete lines it
// completes, in order. Bytes belonging to a trailing partial line, or to a
// trailing partial UTF-8 code point, are retained internally for the next
// call. malformed reports any line that failed UTF-8 validation so callers
// can log a warning without aborting the stream.
func (d *LineDecoder) Feed(chunk []byte) (lines [][]byte, malformed int) {
	data := chunk
	if len(d.carry) > 0 {
		data = append(append([]byte(nil), d.carry...), chunk...)
		d.carry = nil
	}

	// Decode as much valid UTF-8 as possible; hold back a trailing
	// incomplete sequence (rather than the mojibake a naive string(data)
	// conversion would produce) for the next Feed call.
	validLen := len(data)
	if n := incompleteTrailingRuneLen(data); n > 0 {
		validLen = len(data) - n
		d.carry = append(d.carry, data[validLen:]...)
	}

	d.pending = append(d.pending, data[:validLen]...)

	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := d.pending[:idx]
		d.pending = d.pending[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !utf8.Valid(line) {
			malformed++
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines, malformed
}

// incompleteTrailingRuneLen returns the number of trailing bytes of data
// that form the start of a multi-byte UTF-8 sequence too short to decode
// yet (i.e. more bytes are needed). Returns 0 if data ends on a complete
// rune boundary or with a genuinely invalid byte (which utf8.Valid/Feed's
// per-line check will catch and report as malformed).
func incompleteTrailingRuneLen(data []byte) int {
	// Walk back at most utf8.UTFMax-1 bytes looking for the start of a
	// multi-byte sequence that runs off the end of data.
	for back := 1; back < utf8.UTFMax && back <= len(data); back++ {
		b := data[len(data)-back]
		if utf8.RuneStart(b) {
			if utf8.FullRune(data[len(data)-back:]) {
				// A complete rune, nothing to carry; or an invalid byte no
				// further input can complete, left in place so the
				// line-level UTF-8 check reports it.
				return 0
			}
			// b starts a sequence that needs more bytes than we have.
			return back
		}
	}
	return 0
}
