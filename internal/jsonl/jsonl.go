// Package jsonl reads and writes JSON Lines files: one JSON value per line.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// MaxLineSize is the longest line Read accepts. Discharge notes can be long.
const MaxLineSize = 64 << 20

// LineError is a line that could not be decoded. Lines are numbered from 1.
type LineError struct {
	Line int
	Err  error
}

// Error implements error.
func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Unwrap returns the decoding error.
func (e LineError) Unwrap() error { return e.Err }

// Read decodes every non-blank line of r into a T. Lines that fail to decode are skipped and
// reported in lineErrs; err is only set when r itself fails.
func Read[T any](r io.Reader) (items []T, lineErrs []LineError, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			lineErrs = append(lineErrs, LineError{Line: lineNum, Err: err})
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return items, lineErrs, errors.Wrapf(err, "reading line %d", lineNum+1)
	}
	return items, lineErrs, nil
}

// Write encodes each item as one line. HTML characters are not escaped.
func Write[T any](w io.Writer, items []T) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i, item := range items {
		if err := enc.Encode(item); err != nil {
			return errors.Wrapf(err, "encoding item #%d", i)
		}
	}
	return errors.Wrap(bw.Flush(), "flushing JSONL output")
}
