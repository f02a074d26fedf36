// Package shardfile reads and writes the text envelope of tree shard files.
//
// # Format
//
// A shard file is a JSON document wrapped in a function call so that it can
// also be loaded as a script:
//
//	/**
//	 * Feel free to edit this file, but keep data code valid JSON format.
//	 */
//	scrapbook.toc({
//	  "root": [
//	    "20200101000000000"
//	  ]
//	})
//
// The grammar accepted by [Parse] is:
//
//	file    = prefix "(" json ")" trailer
//	prefix  = 1*( comment / any character except "(" )
//	trailer = *( comment / whitespace / ";" )
//	comment = "/*" *any "*/"
//
// The JSON body extends to the last ")" that is followed by a valid trailer.
package shardfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Header is written at the top of every generated shard file.
const Header = `/**
 * Feel free to edit this file, but keep data code valid JSON format.
 */
`

// Namespace prefixes the callee of generated shard files.
const Namespace = "scrapbook"

// SyntaxError describes a violation of the envelope grammar.
type SyntaxError struct {
	// Offset is the byte offset in the file where the problem was detected.
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("offset %d: %s", e.Offset, e.Msg)
}

// Wrapper is the result of lexing a shard file.
type Wrapper struct {
	// Callee is the text before "(" without comments, e.g. "scrapbook.toc".
	Callee string
	// JSON is the validated JSON body.
	JSON json.RawMessage
}

// Parse extracts the JSON body of a shard file.
//
// The callee is not checked against the expected table kind.
func Parse(text []byte) (*Wrapper, error) {
	open, callee, err := lexPrefix(text)
	if err != nil {
		return nil, err
	}
	end, err := lexBody(text, open)
	if err != nil {
		return nil, err
	}
	body := text[open+1 : end]
	if !json.Valid(body) {
		var raw json.RawMessage
		jerr := json.Unmarshal(body, &raw)
		var se *json.SyntaxError
		if errors.As(jerr, &se) {
			return nil, &SyntaxError{Offset: open + 1 + int(se.Offset), Msg: "invalid JSON data: " + se.Error()}
		}
		return nil, &SyntaxError{Offset: open + 1, Msg: fmt.Sprintf("invalid JSON data: %v", jerr)}
	}
	return &Wrapper{Callee: callee, JSON: body}, nil
}

// Decode parses text and unmarshals its JSON body into v.
func Decode(text []byte, v any) error {
	w, err := Parse(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(w.JSON, v); err != nil {
		return fmt.Errorf("invalid JSON data: %w", err)
	}
	return nil
}

// Generate renders v as a shard file for kind ("meta" or "toc").
//
// The JSON is indented with two spaces and HTML characters are not escaped.
func Generate(kind string, v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Header)
	buf.WriteString(Namespace)
	buf.WriteByte('.')
	buf.WriteString(kind)
	buf.WriteByte('(')
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode %s data: %w", kind, err)
	}
	// Encode terminates with a newline.
	buf.Truncate(buf.Len() - 1)
	buf.WriteByte(')')
	return buf.Bytes(), nil
}

// lexPrefix returns the offset of the opening parenthesis and the callee.
func lexPrefix(text []byte) (int, string, error) {
	var callee strings.Builder
	i := 0
	for i < len(text) {
		if n := commentLen(text[i:]); n > 0 {
			i += n
			continue
		}
		if text[i] == '(' {
			if i == 0 {
				return 0, "", &SyntaxError{Offset: 0, Msg: "missing callee before '('"}
			}
			return i, strings.TrimSpace(callee.String()), nil
		}
		callee.WriteByte(text[i])
		i++
	}
	return 0, "", &SyntaxError{Offset: len(text), Msg: "missing '('"}
}

// lexBody returns the offset of the closing parenthesis matching the grammar.
func lexBody(text []byte, open int) (int, error) {
	end := len(text)
	for {
		c := bytes.LastIndexByte(text[:end], ')')
		if c <= open {
			return 0, &SyntaxError{Offset: open, Msg: "missing ')' followed only by comments, whitespace or ';'"}
		}
		if validTrailer(text[c+1:]) {
			return c, nil
		}
		end = c
	}
}

// validTrailer reports whether b only holds comments, whitespace and semicolons.
func validTrailer(b []byte) bool {
	for len(b) > 0 {
		if n := commentLen(b); n > 0 {
			b = b[n:]
			continue
		}
		if b[0] == ';' {
			b = b[1:]
			continue
		}
		r, size := utf8.DecodeRune(b)
		if !unicode.IsSpace(r) {
			return false
		}
		b = b[size:]
	}
	return true
}

// commentLen returns the length of the block comment at the start of b, or 0.
func commentLen(b []byte) int {
	if !bytes.HasPrefix(b, []byte("/*")) {
		return 0
	}
	n := bytes.Index(b[2:], []byte("*/"))
	if n < 0 {
		return 0
	}
	return n + 4
}
