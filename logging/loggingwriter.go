package logging

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

type loggingWriter struct {
	writer http.ResponseWriter
	code   int
	bytes  int64
}

func (lw *loggingWriter) Write(data []byte) (count int, err error) {
	if lw.code == 0 {
		lw.code = http.StatusOK
	}

	count, err = lw.writer.Write(data)
	lw.bytes += int64(count)
	return
}

func (lw *loggingWriter) WriteHeader(code int) {
	lw.writer.WriteHeader(code)
	if code == 0 {
		code = 200
	}

	// informational responses are followed by the final one
	if code >= 200 || code == http.StatusSwitchingProtocols {
		lw.code = code
	}
}

func (lw *loggingWriter) Header() http.Header {
	return lw.writer.Header()
}

func (lw *loggingWriter) Flush() {
	if f, ok := lw.writer.(http.Flusher); ok {
		f.Flush()
	}
}

func (lw *loggingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hij, ok := lw.writer.(http.Hijacker)
	if ok {
		if lw.code == 0 {
			lw.code = http.StatusSwitchingProtocols
		}

		return hij.Hijack()
	}

	return nil, nil, fmt.Errorf("could not hijack connection")
}

// Unwrap gives access to the underlying writer for
// http.ResponseController.
func (lw *loggingWriter) Unwrap() http.ResponseWriter {
	return lw.writer
}
