package proxy

import (
	"io"
	"net/http"
)

// copyRequestHeaders copies every incoming header except Host and
// Content-Length, which the transport layer regenerates (§4.F step 2).
func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		if http.CanonicalHeaderKey(k) == "Host" || http.CanonicalHeaderKey(k) == "Content-Length" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// copyResponseHeaders copies every upstream response header verbatim;
// callers apply the §4.F step 7 mutations afterward.
func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// copyBody streams src to dst in chunks, returning the number of bytes
// copied.
func copyBody(dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, src)
}
