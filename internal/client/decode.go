package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding lists the codings decodeBody understands.
const acceptEncoding = "gzip, deflate, br, zstd"

var errUnsupportedEncoding = errors.New("unsupported content encoding")

// decodedBody reads from the decoder and closes both decoder and source.
type decodedBody struct {
	io.Reader
	closers []func() error
}

func (d *decodedBody) Close() error {
	var errs []error
	for _, c := range d.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// decodeBody wraps body in a streaming decoder for encoding. It reports
// whether a coding was removed. For an unknown coding the body is returned
// untouched together with errUnsupportedEncoding. An empty body carries no
// coded data, so it is returned as is and reported decoded.
func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, bool, error) {
	coding := strings.ToLower(strings.TrimSpace(encoding))
	switch coding {
	case "", "identity":
		return body, false, nil
	case "gzip", "x-gzip", "deflate", "br", "zstd":
	default:
		return body, false, errUnsupportedEncoding
	}

	br := bufio.NewReader(body)
	if _, err := br.Peek(1); errors.Is(err, io.EOF) {
		return body, true, nil
	}

	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, false, fmt.Errorf("gzip body: %w", err)
		}
		return &decodedBody{Reader: zr, closers: []func() error{zr.Close, body.Close}}, true, nil

	case "deflate":
		// "deflate" is zlib-wrapped per RFC 9110, but raw DEFLATE is common.
		if hdr, err := br.Peek(2); err == nil && isZlibHeader(hdr) {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, false, fmt.Errorf("deflate body: %w", err)
			}
			return &decodedBody{Reader: zr, closers: []func() error{zr.Close, body.Close}}, true, nil
		}
		fr := flate.NewReader(br)
		return &decodedBody{Reader: fr, closers: []func() error{fr.Close, body.Close}}, true, nil

	case "br":
		return &decodedBody{Reader: brotli.NewReader(br), closers: []func() error{body.Close}}, true, nil

	default: // zstd
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, false, fmt.Errorf("zstd body: %w", err)
		}
		return &decodedBody{Reader: zr, closers: []func() error{
			func() error { zr.Close(); return nil },
			body.Close,
		}}, true, nil
	}
}

func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}
