package middleware

import (
	"bytes"

	"github.com/gin-gonic/gin"
)

// capturingWriter keeps the first maxLoggedBody bytes of the response for
// the request log and counts the rest.
type capturingWriter struct {
	gin.ResponseWriter
	head    bytes.Buffer
	written int
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - w.head.Len(); room > 0 {
		w.head.Write(b[:min(room, len(b))])
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	return n, err
}
