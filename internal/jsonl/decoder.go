// Package jsonl decodes line-delimited JSON export streams into discrete
// objects, tolerating malformed lines and counting exactly how many bytes
// have been consumed so callers can checkpoint byte offsets.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// IssueKind classifies a tolerated decode problem.
type IssueKind string

const (
	IssueEmptyLine    IssueKind = "empty_line"
	IssueInvalidJSON  IssueKind = "invalid_json"
	IssueInvalidShape IssueKind = "invalid_shape"
)

// Issue describes one tolerated (or, in strict mode, fatal) decode problem.
type Issue struct {
	Line    int64
	Kind    IssueKind
	Message string
}

// Counters accumulates decode progress. BytesRead covers every byte consumed
// from the underlying reader, including invalid lines and newline bytes, so
// it is safe to use as a resume offset.
type Counters struct {
	BytesRead    int64
	TotalLines   int64
	ValidLines   int64
	InvalidLines int64
}

// Options configures a Decoder.
type Options struct {
	// Strict turns tolerated issues into errors.
	Strict bool
	// OnIssue, if set, is called for every tolerated issue.
	OnIssue func(Issue)
}

// Decoder reads a JSONL stream one object at a time. Each Next call is a
// suspension point: it blocks on the underlying reader and returns exactly
// one valid object, or io.EOF when the stream is exhausted.
type Decoder struct {
	r        *bufio.Reader
	opts     Options
	counters Counters
	done     bool
}

// NewDecoder wraps r. The reader is consumed incrementally; the decoder never
// buffers more than one line.
func NewDecoder(r io.Reader, opts Options) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), opts: opts}
}

// Counters returns a snapshot of the decode counters.
func (d *Decoder) Counters() Counters { return d.counters }

// Next returns the next minimally valid object from the stream. Invalid lines
// are counted and skipped (or returned as errors in strict mode). Returns
// io.EOF once the stream is exhausted.
func (d *Decoder) Next() (Object, error) {
	for {
		if d.done {
			return Object{}, io.EOF
		}

		raw, err := d.r.ReadBytes('\n')
		d.counters.BytesRead += int64(len(raw))
		if err == io.EOF {
			d.done = true
			if len(raw) == 0 {
				return Object{}, io.EOF
			}
			// Final line without trailing newline.
		} else if err != nil {
			return Object{}, fmt.Errorf("reading line %d: %w", d.counters.TotalLines+1, err)
		}

		d.counters.TotalLines++
		lineNo := d.counters.TotalLines

		line := strings.TrimRight(string(raw), "\r\n")
		line = strings.TrimSpace(line)
		if line == "" {
			if err := d.issue(Issue{Line: lineNo, Kind: IssueEmptyLine, Message: "empty line"}); err != nil {
				return Object{}, err
			}
			continue
		}

		var fields map[string]any
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			if err := d.issue(Issue{Line: lineNo, Kind: IssueInvalidJSON, Message: err.Error()}); err != nil {
				return Object{}, err
			}
			continue
		}

		obj := Object{Fields: fields, Raw: json.RawMessage(line), Line: lineNo}
		if obj.ID() == "" && obj.Typename() == "" {
			if err := d.issue(Issue{Line: lineNo, Kind: IssueInvalidShape, Message: "missing id and __typename"}); err != nil {
				return Object{}, err
			}
			continue
		}

		d.counters.ValidLines++
		return obj, nil
	}
}

func (d *Decoder) issue(is Issue) error {
	d.counters.InvalidLines++
	if d.opts.OnIssue != nil {
		d.opts.OnIssue(is)
	}
	if d.opts.Strict {
		return fmt.Errorf("line %d: %s: %s", is.Line, is.Kind, is.Message)
	}
	return nil
}
