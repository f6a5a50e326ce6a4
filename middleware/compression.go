package middleware

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"io"
	"strings"
)

// CompressorFactory builds a streaming compressor over w, keyed by
// encoding token (e.g. "gzip", "deflate").
type CompressorFactory func(w io.Writer) (io.WriteCloser, error)

// DecompressorFactory builds a streaming decompressor over r.
type DecompressorFactory func(r io.Reader) (io.ReadCloser, error)

// DefaultCompressors and DefaultDecompressors cover the gzip and deflate
// content codings, wired to compress/gzip and compress/flate. The
// transducer itself is never hand-rolled here.
var DefaultCompressors = map[string]CompressorFactory{
	"gzip": func(w io.Writer) (io.WriteCloser, error) {
		return gzip.NewWriter(w), nil
	},
	"deflate": func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	},
}

var DefaultDecompressors = map[string]DecompressorFactory{
	"gzip": func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
	"deflate": func(r io.Reader) (io.ReadCloser, error) {
		return flate.NewReader(r), nil
	},
}

// Compression returns a Middleware that compresses the outbound body (when
// a content-encoding header names a registered compressor) and
// decompresses the inbound body (when the response's content-encoding
// does).
func Compression(compressors map[string]CompressorFactory, decompressors map[string]DecompressorFactory) Middleware {
	if compressors == nil {
		compressors = DefaultCompressors
	}
	if decompressors == nil {
		decompressors = DefaultDecompressors
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if body := req.Body; body != nil {
				if tokens := contentEncodings(req.Headers); allKnownCompressors(tokens, compressors) {
					// Codings are listed in the order they were applied, so
					// wrap left to right: the last listed ends up outermost.
					for _, token := range tokens {
						body = compressBody(body, compressors[token])
					}
					clone := *req
					clone.Body = body
					req = &clone
				}
			}

			resp, err := next(ctx, req)
			if err != nil || resp == nil || resp.Body == nil {
				return resp, err
			}
			if tokens := contentEncodings(resp.Headers); allKnownDecompressors(tokens, decompressors) {
				// Decode in reverse application order: right to left.
				for i := len(tokens) - 1; i >= 0; i-- {
					resp.Body = decompressBody(resp.Body, decompressors[tokens[i]])
				}
			}
			return resp, nil
		}
	}
}

func contentEncodings(headers []Header) []string {
	for _, h := range headers {
		if !strings.EqualFold(string(h.Name), "content-encoding") {
			continue
		}
		parts := strings.Split(string(h.Value), ",")
		tokens := make([]string, 0, len(parts))
		for _, p := range parts {
			if tok := strings.TrimSpace(strings.ToLower(p)); tok != "" {
				tokens = append(tokens, tok)
			}
		}
		return tokens
	}
	return nil
}

// allKnownCompressors reports whether every listed coding has a
// registered transducer. A list with any unknown coding is left entirely
// untouched; transforming only part of a layered stack would corrupt it.
func allKnownCompressors(tokens []string, m map[string]CompressorFactory) bool {
	if len(tokens) == 0 {
		return false
	}
	for _, t := range tokens {
		if _, ok := m[t]; !ok {
			return false
		}
	}
	return true
}

func allKnownDecompressors(tokens []string, m map[string]DecompressorFactory) bool {
	if len(tokens) == 0 {
		return false
	}
	for _, t := range tokens {
		if _, ok := m[t]; !ok {
			return false
		}
	}
	return true
}

// bodyAsReader adapts a pull-based Body into an io.Reader.
type bodyAsReader struct {
	body    Body
	pending []byte
	done    bool
}

func (r *bodyAsReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.done {
			return 0, io.EOF
		}
		chunk, err := r.body.Next()
		r.pending = chunk
		if err != nil {
			r.done = true
			if err != io.EOF {
				return 0, err
			}
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// readerAsBody adapts an io.Reader back into a pull-based Body.
type readerAsBody struct {
	r      io.Reader
	closer io.Closer
	buf    [8192]byte
}

func (b *readerAsBody) Next() ([]byte, error) {
	n, err := b.r.Read(b.buf[:])
	var chunk []byte
	if n > 0 {
		chunk = append([]byte(nil), b.buf[:n]...)
	}
	if err != nil {
		if b.closer != nil {
			b.closer.Close()
		}
		return chunk, err
	}
	return chunk, nil
}

// decompressBody wraps body's raw bytes through the decompressor factory
// produces, returning a Body of decoded bytes.
func decompressBody(body Body, factory DecompressorFactory) Body {
	src := &bodyAsReader{body: body}
	rc, err := factory(src)
	if err != nil {
		return errorBody{err: err}
	}
	return &readerAsBody{r: rc, closer: rc}
}

// compressBody bridges a pull-based source Body through a push-based
// compressor via an in-memory pipe, since compress/gzip and compress/flate
// are both io.Writer sinks rather than pull sources.
func compressBody(body Body, factory CompressorFactory) Body {
	pr, pw := io.Pipe()
	wc, err := factory(pw)
	if err != nil {
		pw.Close()
		return errorBody{err: err}
	}

	go func() {
		src := &bodyAsReader{body: body}
		_, copyErr := io.Copy(wc, src)
		closeErr := wc.Close()
		if copyErr == nil {
			copyErr = closeErr
		}
		pw.CloseWithError(copyErr)
	}()

	return &readerAsBody{r: pr}
}

type errorBody struct{ err error }

func (e errorBody) Next() ([]byte, error) { return nil, e.err }
