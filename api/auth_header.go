package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"taskhub/domain"
)

var (
	errMissingAuthorization = fmt.Errorf("%w: missing authorization header", domain.ErrUnauthorized)
	errBadAuthorization     = fmt.Errorf("%w: bad auth header", domain.ErrUnauthorized)
)

const bearerPrefix = "Bearer "

func bearerTokenFromHeader(header http.Header) (string, error) {
	values := header.Values(echo.HeaderAuthorization)
	if len(values) == 0 {
		return "", errMissingAuthorization
	}
	return bearerTokenFromString(values[0])
}

func bearerTokenFromString(raw string) (string, error) {
	trimmed := strings.Trim(raw, " ")
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	if len(trimmed) <= len(bearerPrefix) || !strings.HasPrefix(trimmed, bearerPrefix) {
		return "", errBadAuthorization
	}
	token := strings.TrimLeft(trimmed[len(bearerPrefix):], " ")
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", errBadAuthorization
	}
	return token, nil
}

// credential returns the token a client presented, from the Authorization
// header or, for browsers opening a socket or event stream, the token query
// parameter.
func credential(c echo.Context) (string, error) {
	if c.Request().Header.Get(echo.HeaderAuthorization) == "" {
		if token := c.QueryParam("token"); token != "" {
			return token, nil
		}
	}
	return bearerTokenFromHeader(c.Request().Header)
}

func looksLikeJWT(token string) bool {
	return countByte(token, '.') == 2
}

func countByte(s string, target byte) int {
	count := 0
	for i := 0; i < len(s); i++ {
		if s[i] == target {
			count++
		}
	}
	return count
}
