package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// GzipRequestMiddleware lets clients send gzip-encoded JSON bodies. Bodies
// that are not valid gzip are rejected with 400 before a handler sees them.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || !acceptsEncoding(req.Header.Get(echo.HeaderContentEncoding), "gzip") {
				return next(c)
			}
			gr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				metricsFrom(c).SetErrorStage("gzip")
				return c.String(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &gunzipBody{Reader: gr, raw: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func acceptsEncoding(header, want string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), want) {
			return true
		}
	}
	return false
}

// gunzipBody closes both the decompressor and the underlying body.
type gunzipBody struct {
	*gzip.Reader
	raw io.Closer
}

func (g *gunzipBody) Close() error {
	err := g.Reader.Close()
	if cerr := g.raw.Close(); err == nil {
		err = cerr
	}
	return err
}
