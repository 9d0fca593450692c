package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"go.uber.org/multierr"
)

// AcceptEncoding is advertised when response decompression is enabled.
const AcceptEncoding = "br, gzip, deflate"

var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
)

// Shared empty reader used when resetting pooled readers.
var emptyReader = strings.NewReader("")

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaderPool.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzipReader(zr *gzip.Reader) {
	// Reset with an empty reader returns io.EOF, which is expected.
	_ = zr.Reset(emptyReader)
	gzipReaderPool.Put(zr)
}

func getBrotliReader(r io.Reader) (*brotli.Reader, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaderPool.Put(br)
		return nil, err
	}
	return br, nil
}

func putBrotliReader(br *brotli.Reader) {
	_ = br.Reset(emptyReader)
	brotliReaderPool.Put(br)
}

// closeWrapper closes the decoder and the body it reads from, returning
// pooled readers on the way.
type closeWrapper struct {
	io.ReadCloser
	originalBody io.ReadCloser
	poolCallback func()
}

func (w *closeWrapper) Close() error {
	if w.poolCallback != nil {
		w.poolCallback()
		w.poolCallback = nil
	}
	return multierr.Combine(w.ReadCloser.Close(), w.originalBody.Close())
}

// Decompress wraps body with decoders for every Content-Encoding layer in
// header, outermost last. It reports whether any decoding was applied; the
// caller should then drop Content-Encoding and Content-Length. On error the
// body may be partially consumed and must be discarded.
func Decompress(header http.Header, body io.ReadCloser) (io.ReadCloser, bool, error) {
	encodings := header.Values("Content-Encoding")
	if body == nil || len(encodings) == 0 {
		return body, false, nil
	}

	var layers []string
	for _, v := range encodings {
		for _, enc := range strings.Split(v, ",") {
			layers = append(layers, strings.ToLower(strings.TrimSpace(enc)))
		}
	}

	decoded := false
	for i := len(layers) - 1; i >= 0; i-- {
		var reader io.ReadCloser
		var poolCallback func()

		switch layers[i] {
		case "gzip", "x-gzip":
			zr, err := getGzipReader(body)
			if err != nil {
				return body, decoded, fmt.Errorf("gzip initialization error: %w", err)
			}
			reader = zr
			poolCallback = func() { putGzipReader(zr) }
		case "deflate":
			reader = tryDeflate(body)
		case "br":
			br, err := getBrotliReader(body)
			if err != nil {
				return body, decoded, fmt.Errorf("brotli initialization error: %w", err)
			}
			reader = io.NopCloser(br)
			poolCallback = func() { putBrotliReader(br) }
		case "identity", "":
			continue
		default:
			return body, decoded, fmt.Errorf("unsupported Content-Encoding layer: %s", layers[i])
		}

		body = &closeWrapper{ReadCloser: reader, originalBody: body, poolCallback: poolCallback}
		decoded = true
	}
	return body, decoded, nil
}

// resettableReader buffers the start of a stream so a second decoder can
// retry from the beginning.
type resettableReader struct {
	r      io.Reader
	buf    *bytes.Buffer
	source io.Reader
}

func newResettableReader(r io.Reader) *resettableReader {
	buf := bytes.NewBuffer(make([]byte, 0, 128))
	return &resettableReader{r: io.TeeReader(r, buf), buf: buf, source: r}
}

func (rr *resettableReader) Read(p []byte) (int, error) { return rr.r.Read(p) }

func (rr *resettableReader) Reset() {
	rr.r = io.MultiReader(bytes.NewReader(rr.buf.Bytes()), rr.source)
}

// tryDeflate decodes zlib-wrapped deflate, falling back to raw deflate when
// the zlib header is missing.
func tryDeflate(r io.Reader) io.ReadCloser {
	rr := newResettableReader(r)
	if zr, err := zlib.NewReader(rr); err == nil {
		return zr
	}
	rr.Reset()
	return flate.NewReader(rr)
}
