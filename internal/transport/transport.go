// Package transport defines the request/response contract used to talk to the
// backend server, and a net/http implementation of it.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/maruel/sbtree/internal/apierr"
)

// ResponseType selects how the caller intends to interpret the response body.
type ResponseType int

const (
	// ResponseJSON expects a JSON document.
	ResponseJSON ResponseType = iota
	// ResponseText expects raw text.
	ResponseText
)

func (r ResponseType) String() string {
	switch r {
	case ResponseJSON:
		return "json"
	case ResponseText:
		return "text"
	default:
		return fmt.Sprintf("ResponseType(%d)", int(r))
	}
}

// Request is a single request to the backend.
type Request struct {
	Method       string
	URL          string
	ResponseType ResponseType
	// Form, when set, is sent as a multipart/form-data body.
	Form *Form
	// Timeout overrides the transport default when non-zero.
	Timeout time.Duration
}

// Response is what the transport got back. Status handling is left to the
// caller.
type Response struct {
	StatusCode int
	StatusText string
	Header     map[string][]string
	Body       []byte
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Envelope is the JSON shape of every backend answer.
type Envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ErrorMessage returns the structured error message carried by the body, if
// any.
func (r *Response) ErrorMessage() string {
	var e Envelope
	if json.Unmarshal(r.Body, &e) != nil || e.Error == nil {
		return ""
	}
	return e.Error.Message
}

// Data decodes the "data" member of the body into v. A body that is not JSON
// or has no data is a protocol error.
func (r *Response) Data(v any) error {
	var e Envelope
	if err := json.Unmarshal(r.Body, &e); err != nil {
		return apierr.Protocol("the server does not support WebScrapBook protocol").Wrap(err)
	}
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return apierr.Protocol("the server does not support WebScrapBook protocol")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return apierr.Protocol("unexpected response data").Wrap(err)
	}
	return nil
}

// Doer performs requests.
//
// An error is only returned when no response could be obtained at all.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(ctx context.Context, req *Request) (*Response, error)

// Do implements Doer.
func (f DoerFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Part is one field of a multipart form. A part with a Filename is sent as a
// file.
type Part struct {
	Name        string
	Filename    string
	ContentType string
	Data        []byte
}

// Form is an ordered multipart form.
type Form struct {
	Parts []Part
}

// Add appends a plain field.
func (f *Form) Add(name, value string) *Form {
	f.Parts = append(f.Parts, Part{Name: name, Data: []byte(value)})
	return f
}

// AddFile appends a file field.
func (f *Form) AddFile(name, filename, contentType string, data []byte) *Form {
	f.Parts = append(f.Parts, Part{Name: name, Filename: filename, ContentType: contentType, Data: data})
	return f
}

// encode returns the multipart body and its content type.
func (f *Form) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range f.Parts {
		if p.Filename == "" {
			if err := w.WriteField(p.Name, string(p.Data)); err != nil {
				return nil, "", fmt.Errorf("failed to write field %q: %w", p.Name, err)
			}
			continue
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, quoteEscaper.Replace(p.Name), quoteEscaper.Replace(p.Filename)))
		ct := p.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create part %q: %w", p.Name, err)
		}
		if _, err := pw.Write(p.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write part %q: %w", p.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")
