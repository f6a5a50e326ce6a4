package barehttp

import (
	"bytes"
	"encoding/json"
	"io"
)

// Response is produced once per request. Body is nil when the response
// carries no payload; otherwise it is read exactly once.
type Response struct {
	URL     string // the originating request URL, for error reporting
	Status  int
	Headers []Header
	Body    Body

	closer func() error
}

// Close ends the request cycle that produced this response, emitting
// Disconnect to the underlying engine. Callers should defer
// Close after every Do/Request call, the same way net/http callers defer
// resp.Body.Close. Here Close subsumes the body, since a single-pass Body
// has nothing left to release once the cycle itself is torn down.
// Close is safe to call on a Response with no associated cycle (e.g. one
// synthesized by middleware short-circuiting the chain); it is then a
// no-op.
func (r *Response) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// Ok reports whether the status is in the 2xx range.
func (r *Response) Ok() bool {
	return r.Status >= 200 && r.Status < 300
}

// Header returns the first header value matching name (case-sensitive;
// callers are expected to pass the lowercase wire form), or nil.
func (r *Response) Header(name string) []byte {
	for _, h := range r.Headers {
		if string(h.Name) == name {
			return h.Value
		}
	}
	return nil
}

// Raw accumulates the whole body into a single byte slice. The body may
// only be read once; calling Raw twice on the same Response finds the
// body exhausted and returns no bytes and a nil error the second time.
func (r *Response) Raw() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	for {
		chunk, err := r.Body.Next()
		if len(chunk) > 0 {
			buf.Write(chunk)
		}
		if err != nil {
			if err == io.EOF {
				return buf.Bytes(), nil
			}
			return buf.Bytes(), err
		}
	}
}

// Text accumulates the body and decodes it as UTF-8 text. barehttp does
// not attempt charset sniffing or transcoding; non-UTF-8 payloads are the
// caller's problem.
func (r *Response) Text() (string, error) {
	b, err := r.Raw()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JSON accumulates the body and decodes it as structured JSON into v.
func (r *Response) JSON(v any) error {
	b, err := r.Raw()
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}
	return json.Unmarshal(b, v)
}

// RaiseForStatus returns a *StatusError for a non-2xx response. It is never
// called implicitly; a caller opts in explicitly.
func (r *Response) RaiseForStatus() error {
	if r.Ok() {
		return nil
	}
	body, _ := r.Raw()
	return &StatusError{
		URL:     r.URL,
		Status:  r.Status,
		Headers: r.Headers,
		Body:    body,
	}
}
