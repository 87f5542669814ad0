// Package multipart decomposes a multipart/form-data body into its file
// parts. It works on raw bytes throughout; only the small header block of
// each part is interpreted as text, and even that leniently, because
// browsers on the local network send whatever they like.
package multipart

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
)

// Part is one file segment of a multipart body.
type Part struct {
	Filename string
	Body     []byte
}

var filenamePattern = regexp.MustCompile(`filename="([^"]*)"`)

var crlfcrlf = []byte("\r\n\r\n")

// Parse splits body at each occurrence of the boundary token and returns
// the file parts in order. Parts without a filename or with an empty body
// are dropped. A body with no boundary at all yields nil rather than an
// error; a malformed upload simply contains no files.
func Parse(body []byte, boundary string) []Part {
	if len(body) == 0 || boundary == "" {
		return nil
	}

	delim := []byte("--" + boundary)
	var parts []Part

	pos := bytes.Index(body, delim)
	if pos < 0 {
		return nil
	}

	for {
		segStart := pos + len(delim)
		if segStart+2 <= len(body) && body[segStart] == '-' && body[segStart+1] == '-' {
			break
		}
		// Skip the CRLF that terminates the boundary line.
		if segStart+2 <= len(body) && body[segStart] == '\r' && body[segStart+1] == '\n' {
			segStart += 2
		}

		next := bytes.Index(body[segStart:], delim)
		if next < 0 {
			break
		}
		segEnd := segStart + next
		segment := body[segStart:segEnd]
		// The part body ends with the CRLF that precedes the next boundary.
		segment = bytes.TrimSuffix(segment, []byte("\r\n"))

		if part, ok := splitPart(segment); ok {
			parts = append(parts, part)
		}

		pos = segEnd
	}

	return parts
}

func splitPart(segment []byte) (Part, bool) {
	sep := bytes.Index(segment, crlfcrlf)
	if sep < 0 {
		return Part{}, false
	}

	headers := decodeHeaders(segment[:sep])
	payload := segment[sep+len(crlfcrlf):]

	name := extractFilename(headers)
	if name == "" || len(payload) == 0 {
		return Part{}, false
	}

	return Part{Filename: name, Body: payload}, true
}

// decodeHeaders turns the header block into a string without ever failing:
// bytes that are not valid text are kept as-is so a stray byte in a header
// cannot abort parsing of the whole body.
func decodeHeaders(raw []byte) string {
	return string(raw)
}

func extractFilename(headers string) string {
	match := filenamePattern.FindStringSubmatch(headers)
	if match == nil {
		return ""
	}
	name := match[1]
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return strings.TrimSpace(name)
}
