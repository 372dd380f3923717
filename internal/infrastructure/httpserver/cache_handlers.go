package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/adamchainz/django-mysql-sub000/internal/core/domain/cacheentry"
	"github.com/adamchainz/django-mysql-sub000/internal/infrastructure/mysqlcache"
)

// maxBodyBytes bounds PUT and add payloads.
const maxBodyBytes = 4 << 20

// maxTimeoutSeconds is the largest seconds value a time.Duration can hold.
const maxTimeoutSeconds = math.MaxInt64 / int64(time.Second)

type keyResponse struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type incrRequest struct {
	Delta *int64 `json:"delta"`
}

// cacheError maps cache failures onto HTTP errors.
func cacheError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, mysqlcache.ErrKeyTooLong):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, mysqlcache.ErrKeyNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, mysqlcache.ErrIntegerOverflow):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, mysqlcache.ErrReverseKeyFuncRequired), errors.Is(err, mysqlcache.ErrAmbiguousKeyPrefix):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case errors.Is(err, mysqlcache.ErrSerialization):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "cache operation failed").SetInternal(err)
}

func keyParam(c echo.Context) string {
	raw := c.Param("key")
	if k, err := url.PathUnescape(raw); err == nil {
		return k
	}
	return raw
}

// parseTimeout reads ?timeout=. Absent means the cache default, "none" never
// expires, a bare integer is seconds, anything else is a Go duration.
func parseTimeout(c echo.Context) (time.Duration, error) {
	raw := strings.TrimSpace(c.QueryParam("timeout"))
	switch raw {
	case "":
		return cacheentry.DefaultTimeout, nil
	case "none":
		return cacheentry.NoTimeout, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs > maxTimeoutSeconds || secs < -maxTimeoutSeconds {
			return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid timeout")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid timeout")
	}
	return d, nil
}

// decodeValue reads one JSON value from the body keeping numbers exact.
func decodeValue(c echo.Context) (any, error) {
	dec := json.NewDecoder(io.LimitReader(c.Request().Body, maxBodyBytes))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	return v, nil
}

func (s *Server) getKey(c echo.Context) error {
	key := keyParam(c)
	v, ok, err := s.cache.Get(c.Request().Context(), key)
	if err != nil {
		return cacheError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "key not found")
	}
	return c.JSON(http.StatusOK, keyResponse{Key: key, Value: v})
}

func (s *Server) setKey(c echo.Context) error {
	timeout, err := parseTimeout(c)
	if err != nil {
		return err
	}
	v, err := decodeValue(c)
	if err != nil {
		return err
	}
	if err := s.cache.Set(c.Request().Context(), keyParam(c), v, timeout); err != nil {
		return cacheError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) addKey(c echo.Context) error {
	timeout, err := parseTimeout(c)
	if err != nil {
		return err
	}
	v, err := decodeValue(c)
	if err != nil {
		return err
	}
	added, err := s.cache.Add(c.Request().Context(), keyParam(c), v, timeout)
	if err != nil {
		return cacheError(err)
	}
	code := http.StatusOK
	if added {
		code = http.StatusCreated
	}
	return c.JSON(code, map[string]bool{"added": added})
}

func (s *Server) deleteKey(c echo.Context) error {
	deleted, err := s.cache.Delete(c.Request().Context(), keyParam(c))
	if err != nil {
		return cacheError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) incrKey(c echo.Context) error {
	var req incrRequest
	if c.Request().ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(c.Request().Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	delta := int64(1)
	if req.Delta != nil {
		delta = *req.Delta
	}
	v, err := s.cache.Incr(c.Request().Context(), keyParam(c), delta)
	if err != nil {
		return cacheError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"value": v})
}

func (s *Server) touchKey(c echo.Context) error {
	timeout, err := parseTimeout(c)
	if err != nil {
		return err
	}
	if err := s.cache.Touch(c.Request().Context(), keyParam(c), timeout); err != nil {
		return cacheError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listKeys(c echo.Context) error {
	prefix := c.QueryParam("prefix")
	keys, err := s.cache.Keys(c.Request().Context(), prefix)
	if err != nil {
		return cacheError(err)
	}
	if keys == nil {
		keys = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"prefix": prefix, "keys": keys})
}

// deleteKeys requires a non-empty prefix; use the cache's Clear for everything.
func (s *Server) deleteKeys(c echo.Context) error {
	prefix := c.QueryParam("prefix")
	if prefix == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prefix is required")
	}
	n, err := s.cache.DeletePrefix(c.Request().Context(), prefix)
	if err != nil {
		return cacheError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) runMaintenance(c echo.Context) error {
	if s.maintenance == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "maintenance is not configured")
	}
	report, err := s.maintenance.RunOnce(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "maintenance failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, report)
}
