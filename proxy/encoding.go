package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

type encoding struct {
	name string
	q    float32
}

var (
	supportedEncodings  = []string{"br", "gzip", "deflate"}
	unsupportedEncoding = errors.New("unsupported encoding")
)

func stringsContain(ss []string, s string, transform ...func(string) string) bool {
	for _, si := range ss {
		for _, t := range transform {
			si = t(si)
		}

		if si == s {
			return true
		}
	}

	return false
}

// acceptedEncoding returns the supported encoding with the highest
// weight in an Accept-Encoding header value. With equal weights, the
// order of supportedEncodings decides.
func acceptedEncoding(accept string) string {
	var encs []*encoding
	for _, s := range strings.Split(accept, ",") {
		sp := strings.Split(s, ";")
		name := strings.ToLower(strings.TrimSpace(sp[0]))
		if !stringsContain(supportedEncodings, name) {
			continue
		}

		enc := &encoding{name, 1}
		for _, spi := range sp[1:] {
			spi = strings.TrimSpace(spi)
			if !strings.HasPrefix(spi, "q=") {
				continue
			}

			q, err := strconv.ParseFloat(strings.TrimPrefix(spi, "q="), 32)
			if err != nil {
				continue
			}

			enc.q = float32(q)
			break
		}

		if enc.q > 0 {
			encs = append(encs, enc)
		}
	}

	if len(encs) == 0 {
		return ""
	}

	rank := func(name string) int {
		for i, s := range supportedEncodings {
			if s == name {
				return i
			}
		}

		return len(supportedEncodings)
	}

	sort.SliceStable(encs, func(i, j int) bool {
		if encs[i].q != encs[j].q {
			return encs[i].q > encs[j].q // higher first
		}

		return rank(encs[i].name) < rank(encs[j].name)
	})

	return encs[0].name
}

func responseHeader(r *http.Response, enc string) {
	r.Header.Del("Content-Length")
	r.Header.Set("Content-Encoding", enc)

	if !stringsContain(r.Header["Vary"], "Accept-Encoding", http.CanonicalHeaderKey) {
		r.Header.Add("Vary", "Accept-Encoding")
	}
}

func encoder(enc string, w io.Writer) (io.WriteCloser, error) {
	switch enc {
	case "br":
		return brotli.NewWriterLevel(w, brotli.DefaultCompression), nil
	case "gzip":
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case "deflate":
		return flate.NewWriter(w, flate.DefaultCompression)
	default:
		return nil, unsupportedEncoding
	}
}

func encodeBody(enc string, b []byte) ([]byte, error) {
	var buf bytes.Buffer
	e, err := encoder(enc, &buf)
	if err != nil {
		return nil, err
	}

	if _, err := e.Write(b); err != nil {
		return nil, err
	}

	if err := e.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
