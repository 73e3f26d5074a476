package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/labstack/echo/v4"
)

var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter compresses the body once a compressible status has
// been written. 204 and 304 responses are left untouched.
type gzipResponseWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
	compress    bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if status >= http.StatusOK && status != http.StatusNoContent && status != http.StatusNotModified {
		w.compress = true
		w.Header().Set(echo.HeaderContentEncoding, "gzip")
		w.Header().Del(echo.HeaderContentLength)
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !w.compress {
		return w.ResponseWriter.Write(b)
	}
	return w.gz.Write(b)
}

func (w *gzipResponseWriter) Flush() {
	if w.compress {
		_ = w.gz.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *gzipResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Gzip returns an Echo middleware that gzip-compresses responses for
// clients that accept it. It is meant for the JSON API group only; media
// responses must keep their exact bytes for range requests.
func Gzip() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Header().Add(echo.HeaderVary, echo.HeaderAcceptEncoding)

			req := c.Request()
			if req.Method == http.MethodHead || !strings.Contains(req.Header.Get(echo.HeaderAcceptEncoding), "gzip") {
				return next(c)
			}

			gz := gzipWriterPool.Get().(*gzip.Writer)
			gz.Reset(res.Writer)
			grw := &gzipResponseWriter{ResponseWriter: res.Writer, gz: gz}
			res.Writer = grw

			defer func() {
				if !grw.compress {
					gz.Reset(io.Discard)
				}
				_ = gz.Close()
				gzipWriterPool.Put(gz)
				res.Writer = grw.ResponseWriter
			}()

			return next(c)
		}
	}
}
