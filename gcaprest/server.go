// Package gcaprest serves the compiled services of a gcap runtime over HTTP.
package gcaprest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/lemmego/gcap"
)

// PrincipalFunc establishes the caller of an HTTP request
type PrincipalFunc func(c echo.Context) gcap.Principal

type server struct {
	rt         *gcap.Runtime
	principal  PrincipalFunc
	logLevel   string
	middleware []echo.MiddlewareFunc
}

// Option configures NewServer
type Option func(*server)

// WithPrincipal sets how callers are identified; by default everyone is anonymous.
func WithPrincipal(fn PrincipalFunc) Option {
	return func(s *server) {
		if fn != nil {
			s.principal = fn
		}
	}
}

// WithLogLevel sets the echo logger level: debug, info, warn, error or off
func WithLogLevel(level string) Option {
	return func(s *server) {
		s.logLevel = level
	}
}

// WithMiddleware installs middleware in front of every route, after request
// logging. Authentication middleware goes here.
func WithMiddleware(mw ...echo.MiddlewareFunc) Option {
	return func(s *server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// NewServer builds an echo server with routes for every service surface
// registered in the runtime's model. The runtime must have been started.
func NewServer(rt *gcap.Runtime, opts ...Option) *echo.Echo {
	s := &server{
		rt:        rt,
		principal: func(echo.Context) gcap.Principal { return gcap.Anonymous{} },
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	SetLevel(e, s.logLevel)

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		info := httpErrorInfo(err)
		if info.Status >= http.StatusInternalServerError {
			e.Logger.Error(err)
		}
		if err := c.JSON(info.Status, errorBody{Error: info}); err != nil {
			e.Logger.Error(err)
		}
	}

	e.Use(middleware.RequestID())

	// logging for server-side latency.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			meth := c.Request().Method
			path := c.Request().URL
			BEGIN := time.Now()
			c.Logger().Debugf("< request @[%s] %s %s", BEGIN, meth, path)

			var err error
			defer func() {
				END := time.Now()
				c.Logger().Infof(
					"> response status = %d (for request @[%s] %s %s) in %v / error = %v",
					c.Response().Status, BEGIN, meth, path, END.Sub(BEGIN), err,
				)
			}()

			err = next(c)
			return err
		}
	})
	e.Use(s.middleware...)

	for _, surface := range rt.Models().Surfaces() {
		s.mount(e, surface)
	}
	return e
}

// SetLevel maps a level name onto the echo logger
func SetLevel(e *echo.Echo, loglevel string) {
	switch strings.ToLower(loglevel) {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "info":
		e.Logger.SetLevel(log.INFO)
	case "warn", "":
		e.Logger.SetLevel(log.WARN)
	case "error":
		e.Logger.SetLevel(log.ERROR)
	case "off":
		e.Logger.SetLevel(log.OFF)
	default:
		e.Logger.SetLevel(log.WARN)
		e.Logger.Warnf("unknown loglevel: %s . fall-backed to warn", loglevel)
	}
}

func (s *server) mount(e *echo.Echo, surface *gcap.Surface) {
	base := strings.TrimSuffix(surface.Path, "/")
	e.GET(base, s.serviceDocument(surface))

	for _, exposed := range surface.Entities() {
		collection := fmt.Sprintf("%s/%s", base, exposed.Alias)
		item := collection + "/:key"
		e.GET(collection, s.list(surface, exposed))
		e.POST(collection, s.create(surface, exposed))
		e.GET(item, s.readOne(surface, exposed))
		e.PATCH(item, s.update(surface, exposed))
		e.DELETE(item, s.delete(surface, exposed))
	}
	for _, op := range surface.Operations() {
		route := fmt.Sprintf("%s/%s", base, op.Def.Name)
		if op.Def.Kind == gcap.KindFunction {
			e.GET(route, s.function(surface, op))
		} else {
			e.POST(route, s.action(surface, op))
		}
	}
}

type errorBody struct {
	Error *gcap.ErrorInfo `json:"error"`
}

// httpErrorInfo turns any error reaching the echo error handler into the
// error triple. Routing errors keep their HTTP status.
func httpErrorInfo(err error) *gcap.ErrorInfo {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		kind := gcap.ErrorTypeInternal
		switch he.Code {
		case http.StatusNotFound:
			kind = gcap.ErrorTypeNotFound
		case http.StatusMethodNotAllowed:
			kind = gcap.ErrorTypeOperationNotAllowed
		case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
			kind = gcap.ErrorTypeValidation
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = gcap.ErrorTypeForbidden
		}
		return &gcap.ErrorInfo{Kind: kind, Message: fmt.Sprint(he.Message), Status: he.Code}
	}
	return gcap.InfoOf(err)
}
