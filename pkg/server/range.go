package server

import (
	"errors"
	"strconv"
	"strings"
)

// errBadRange marks a Range header the item cannot satisfy; the handler
// answers 416 with "Content-Range: bytes */size".
var errBadRange = errors.New("server: unsatisfiable range")

// byteRange is an inclusive byte window of an item.
type byteRange struct {
	from, until int64

	// partial is true when the client sent a Range header; the response
	// is then 206 instead of 200.
	partial bool
}

func (r byteRange) length() int64 {
	return r.until - r.from + 1
}

// parseRange interprets the Range header against an item of the given
// size. An absent header selects the whole item. Only single ranges of
// the forms "bytes=a-b", "bytes=a-" and "bytes=-n" are supported;
// multipart ranges and anything malformed surface as errBadRange.
func parseRange(header string, size int64) (byteRange, error) {
	if header == "" {
		return byteRange{from: 0, until: size - 1}, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return byteRange{}, errBadRange
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return byteRange{}, errBadRange
	}

	var from, until int64
	switch {
	case first == "" && last == "":
		return byteRange{}, errBadRange
	case first == "":
		// Suffix range: last n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, errBadRange
		}
		if n > size {
			n = size
		}
		from, until = size-n, size-1
	default:
		var err error
		from, err = strconv.ParseInt(first, 10, 64)
		if err != nil {
			return byteRange{}, errBadRange
		}
		until = size - 1
		if last != "" {
			until, err = strconv.ParseInt(last, 10, 64)
			if err != nil {
				return byteRange{}, errBadRange
			}
		}
	}

	if from < 0 || until < from || until > size-1 {
		return byteRange{}, errBadRange
	}
	return byteRange{from: from, until: until, partial: true}, nil
}
