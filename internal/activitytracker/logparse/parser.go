// Package logparse turns raw instance log output into timestamped lines and decodes the structured tracking
// events embedded in them.
package logparse

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// DefaultMaxLineBytes is the longest line kept intact. Longer lines are cut and their JSON string value closed.
const DefaultMaxLineBytes = 10 * 1024

var (
	linePattern    = regexp.MustCompile(`^(\d{4}-\d\d-\d\dT\d\d:\d\d:\d\d(?:\.\d+)?(?:Z|[+-]\d\d:\d\d)) (\{.*\})\s*$`)
	truncateSuffix = []byte(`"}`)
)

// Line is a log line consisting of an orchestrator timestamp followed by a JSON object.
type Line struct {
	Time    time.Time
	RawTime string
	Body    []byte
}

// ParseLine splits raw into its timestamp and JSON body. Returns false for lines that are not of that shape.
func ParseLine(raw []byte) (Line, bool) {
	match := linePattern.FindSubmatch(raw)
	if match == nil {
		return Line{}, false
	}
	rawTime := string(match[1])
	t, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return Line{}, false
	}
	return Line{Time: t, RawTime: rawTime, Body: match[2]}, true
}

// ReadLines calls fn with every newline-terminated line read from r until r is exhausted, ctx is cancelled or
// a read fails. line is only valid until fn returns. Lines longer than maxLineBytes are cut at that length, terminated with `"}` and the remainder up
// to the next newline is discarded. A final line without a newline is dropped. Returns nil at end of input.
func ReadLines(ctx context.Context, r io.Reader, maxLineBytes int, fn func(line []byte)) error {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	reader := bufio.NewReaderSize(r, maxLineBytes)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadSlice('\n')
		switch {
		case err == nil:
			fn(line)
		case errors.Is(err, bufio.ErrBufferFull):
			truncated := make([]byte, 0, len(line)+len(truncateSuffix))
			truncated = append(truncated, line...)
			fn(append(truncated, truncateSuffix...))
			if err := discardLine(reader); err != nil {
				return endOfInput(err)
			}
		default:
			return endOfInput(err)
		}
	}
}

func discardLine(reader *bufio.Reader) error {
	for {
		_, err := reader.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func endOfInput(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
