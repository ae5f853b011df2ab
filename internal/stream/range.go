package stream

import (
	"strconv"
	"strings"
)

// Range is a single inclusive byte range. End is -1 when the request left it open.
type Range struct {
	Start int64
	End   int64
}

// ParseRange parses the single-range subset of the HTTP Range header: "bytes=start-" and
// "bytes=start-end". An empty header returns nil, nil. Multiple ranges, suffix ranges
// ("bytes=-500"), other units and end < start all report ErrInvalidRange.
func ParseRange(header string) (*Range, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	rangeSet, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(rangeSet, ",") {
		return nil, ErrInvalidRange
	}

	first, last, ok := strings.Cut(strings.TrimSpace(rangeSet), "-")
	if !ok || first == "" {
		return nil, ErrInvalidRange
	}

	start, err := parseOffset(first)
	if err != nil {
		return nil, err
	}
	if last == "" {
		return &Range{Start: start, End: -1}, nil
	}

	end, err := parseOffset(last)
	if err != nil {
		return nil, err
	}
	if end < start {
		return nil, ErrInvalidRange
	}
	return &Range{Start: start, End: end}, nil
}

func parseOffset(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, ErrInvalidRange
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrInvalidRange
	}
	return n, nil
}

// Resolve fits r to content of the given size: an open or overlong end is clamped to
// size-1. A start at or past size is unsatisfiable.
func (r Range) Resolve(size int64) (start, end int64, err error) {
	if r.Start >= size {
		return 0, 0, &UnsatisfiableError{Start: r.Start, Size: size}
	}
	end = r.End
	if end < 0 || end > size-1 {
		end = size - 1
	}
	return r.Start, end, nil
}
