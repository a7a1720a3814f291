package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when a response contains no complete JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

// Extractor finds top-level JSON objects in streamed text. It tracks string
// literals and escapes, so braces inside strings do not count.
type Extractor struct {
	buf      strings.Builder
	depth    int
	start    int
	inString bool
	escaped  bool
	objects  []string
}

// Write feeds the next fragment of the stream.
func (x *Extractor) Write(fragment string) {
	offset := x.buf.Len()
	x.buf.WriteString(fragment)
	for i := 0; i < len(fragment); i++ {
		c := fragment[i]
		if x.inString {
			switch {
			case x.escaped:
				x.escaped = false
			case c == '\\':
				x.escaped = true
			case c == '"':
				x.inString = false
			}
			continue
		}
		switch c {
		case '"':
			if x.depth > 0 {
				x.inString = true
			}
		case '{':
			if x.depth == 0 {
				x.start = offset + i
			}
			x.depth++
		case '}':
			if x.depth == 0 {
				continue
			}
			x.depth--
			if x.depth == 0 {
				x.objects = append(x.objects, x.buf.String()[x.start:offset+i+1])
			}
		}
	}
}

// Object returns the first complete object that is valid JSON.
func (x *Extractor) Object() (string, bool) {
	for _, obj := range x.objects {
		if json.Valid([]byte(obj)) {
			return obj, true
		}
	}
	return "", false
}

// salvage looks for a valid object nested inside text the scan got wrong: an
// unmatched '{' in prose swallows the answer that follows it, and a stray
// brace pair can wrap it. Only meaningful once the stream is complete.
func (x *Extractor) salvage() (string, bool) {
	for _, obj := range x.objects {
		if inner, ok := scanObject(obj[1:]); ok {
			return inner, true
		}
	}
	if x.depth > 0 {
		return scanObject(x.buf.String()[x.start+1:])
	}
	return "", false
}

func scanObject(text string) (string, bool) {
	var x Extractor
	x.Write(text)
	if obj, ok := x.Object(); ok {
		return obj, true
	}
	return x.salvage()
}

// Text returns everything written so far.
func (x *Extractor) Text() string { return x.buf.String() }

// ExtractJSON returns the first valid JSON object embedded in text, skipping
// prose and markdown fences around it.
func ExtractJSON(text string) (string, error) {
	obj, ok := scanObject(text)
	if !ok {
		return "", ErrNoJSON
	}
	return obj, nil
}

// decodeFirst unmarshals the first JSON object in text into v.
func decodeFirst(text string, v any) error {
	obj, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(obj), v)
}
