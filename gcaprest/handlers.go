package gcaprest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/lemmego/gcap"
)

// serviceDocument lists what a service exposes
func (s *server) serviceDocument(surface *gcap.Surface) echo.HandlerFunc {
	type member struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	doc := struct {
		Name    string   `json:"name"`
		Path    string   `json:"path"`
		Members []member `json:"members"`
	}{Name: surface.Name, Path: surface.Path}
	for _, name := range surface.Members() {
		kind := string(gcap.TargetEntity)
		if op, ok := surface.Operation(name); ok {
			kind = string(op.Def.Kind)
		}
		doc.Members = append(doc.Members, member{Name: name, Kind: kind})
	}
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, doc)
	}
}

func (s *server) list(surface *gcap.Surface, exposed *gcap.ExposedEntity) echo.HandlerFunc {
	return func(c echo.Context) error {
		q, err := parseQuery(exposed.Entity, c.QueryParams())
		if err != nil {
			return s.fail(c, err)
		}
		return s.respond(c, http.StatusOK, gcap.Input{
			Service: surface.Name, Target: exposed.Alias, Event: gcap.EventRead, Query: q,
		})
	}
}

func (s *server) readOne(surface *gcap.Surface, exposed *gcap.ExposedEntity) echo.HandlerFunc {
	return func(c echo.Context) error {
		key, err := parseKey(exposed.Entity, c.Param("key"))
		if err != nil {
			return s.fail(c, err)
		}
		q, err := parseQuery(exposed.Entity, c.QueryParams())
		if err != nil {
			return s.fail(c, err)
		}
		return s.respond(c, http.StatusOK, gcap.Input{
			Service: surface.Name, Target: exposed.Alias, Event: gcap.EventRead, Key: key, Query: q,
		})
	}
}

func (s *server) create(surface *gcap.Surface, exposed *gcap.ExposedEntity) echo.HandlerFunc {
	return func(c echo.Context) error {
		data, err := decodeBody(c)
		if err != nil {
			return s.fail(c, err)
		}
		return s.respond(c, http.StatusCreated, gcap.Input{
			Service: surface.Name, Target: exposed.Alias, Event: gcap.EventCreate, Data: data,
		})
	}
}

func (s *server) update(surface *gcap.Surface, exposed *gcap.ExposedEntity) echo.HandlerFunc {
	return func(c echo.Context) error {
		key, err := parseKey(exposed.Entity, c.Param("key"))
		if err != nil {
			return s.fail(c, err)
		}
		data, err := decodeBody(c)
		if err != nil {
			return s.fail(c, err)
		}
		return s.respond(c, http.StatusOK, gcap.Input{
			Service: surface.Name, Target: exposed.Alias, Event: gcap.EventUpdate, Key: key, Data: data,
		})
	}
}

func (s *server) delete(surface *gcap.Surface, exposed *gcap.ExposedEntity) echo.HandlerFunc {
	return func(c echo.Context) error {
		key, err := parseKey(exposed.Entity, c.Param("key"))
		if err != nil {
			return s.fail(c, err)
		}
		return s.respond(c, http.StatusNoContent, gcap.Input{
			Service: surface.Name, Target: exposed.Alias, Event: gcap.EventDelete, Key: key,
		})
	}
}

func (s *server) action(surface *gcap.Surface, op *gcap.ExposedOperation) echo.HandlerFunc {
	return func(c echo.Context) error {
		data, err := decodeBody(c)
		if err != nil {
			return s.fail(c, err)
		}
		if data == nil {
			data = gcap.Record{}
		}
		return s.respond(c, http.StatusOK, gcap.Input{Service: surface.Name, Target: op.Def.Name, Data: data})
	}
}

// function takes its parameters from the query string
func (s *server) function(surface *gcap.Surface, op *gcap.ExposedOperation) echo.HandlerFunc {
	return func(c echo.Context) error {
		data := gcap.Record{}
		for name, values := range c.QueryParams() {
			p := op.Def.Param(name)
			if p == nil {
				return s.fail(c, gcap.NewFieldError(gcap.ErrorTypeValidation, name, "unknown parameter"))
			}
			v, err := gcap.ParseLiteral(p.Type, values[0])
			if err != nil {
				return s.fail(c, gcap.NewErrorWithCause(gcap.ErrorTypeValidation, "invalid parameter "+name, err))
			}
			data[name] = v
		}
		return s.respond(c, http.StatusOK, gcap.Input{Service: surface.Name, Target: op.Def.Name, Data: data})
	}
}

// respond runs in through the pipeline and writes the response
func (s *server) respond(c echo.Context, status int, in gcap.Input) error {
	in.RequestID = c.Response().Header().Get(echo.HeaderXRequestID)
	in.Principal = s.principal(c)

	resp := s.rt.Execute(c.Request().Context(), in)
	if !resp.OK() {
		return c.JSON(resp.Error.Status, errorBody{Error: resp.Error})
	}
	if status == http.StatusNoContent {
		return c.NoContent(status)
	}
	return c.JSON(status, resp.Result)
}

func (s *server) fail(c echo.Context, err error) error {
	info := gcap.InfoOf(err)
	return c.JSON(info.Status, errorBody{Error: info})
}

// =====================================
// Request Decoding
// =====================================

func decodeBody(c echo.Context) (gcap.Record, error) {
	req := c.Request()
	if ct := req.Header.Get(echo.HeaderContentType); ct != "" && !strings.HasPrefix(strings.ToLower(ct), echo.MIMEApplicationJSON) {
		return nil, gcap.NewError(gcap.ErrorTypeValidation, "unexpected content type. it should be application/json")
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, gcap.NewErrorWithCause(gcap.ErrorTypeValidation, "can not read the request body", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data gcap.Record
	if err := dec.Decode(&data); err != nil {
		return nil, gcap.NewErrorWithCause(gcap.ErrorTypeValidation, "can not understand the requested json", err)
	}
	return data, nil
}

// parseKey reads a key from its URL form. A single-field key may be given
// bare or as name=value; composite keys are written a=1,b=x with each
// value path-escaped.
func parseKey(entity *gcap.EntityDef, raw string) (gcap.Key, error) {
	key := gcap.Key{}
	if len(entity.Keys) == 1 {
		name := entity.Keys[0]
		v, err := keyValue(entity.Field(name), strings.TrimPrefix(raw, name+"="))
		if err != nil {
			return nil, err
		}
		key[name] = v
		return key, nil
	}

	for _, part := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, gcap.Errorf(gcap.ErrorTypeValidation, "invalid key segment %q", part)
		}
		f := entity.Field(name)
		if f == nil || !entity.IsKey(name) {
			return nil, gcap.NewFieldError(gcap.ErrorTypeValidation, name, "not a key field of "+entity.Name)
		}
		v, err := keyValue(f, value)
		if err != nil {
			return nil, err
		}
		key[name] = v
	}
	return key, nil
}

func keyValue(f *gcap.FieldDef, raw string) (interface{}, error) {
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	v, err := gcap.ParseLiteral(f.Type, raw)
	if err != nil {
		return nil, gcap.NewFieldError(gcap.ErrorTypeValidation, f.Name, fmt.Sprintf("invalid key value %q", raw))
	}
	return v, nil
}

// parseQuery translates query parameters: $top, $skip, $orderby and
// $expand, every other parameter is an equality filter on a field. The
// literal null filters for missing values.
func parseQuery(entity *gcap.EntityDef, params url.Values) (gcap.Query, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var opts []gcap.QueryOption
	for _, name := range names {
		value := params.Get(name)
		switch name {
		case "$top", "$skip":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return gcap.Query{}, gcap.NewFieldError(gcap.ErrorTypeValidation, name, "must be a non-negative integer")
			}
			if name == "$top" {
				opts = append(opts, gcap.Limit(n))
			} else {
				opts = append(opts, gcap.Offset(n))
			}
		case "$orderby":
			for _, item := range strings.Split(value, ",") {
				fields := strings.Fields(item)
				if len(fields) == 0 || len(fields) > 2 {
					return gcap.Query{}, gcap.NewFieldError(gcap.ErrorTypeValidation, name, "invalid order "+item)
				}
				dir := gcap.OrderAsc
				if len(fields) == 2 {
					switch strings.ToLower(fields[1]) {
					case "asc":
					case "desc":
						dir = gcap.OrderDesc
					default:
						return gcap.Query{}, gcap.NewFieldError(gcap.ErrorTypeValidation, name, "invalid direction "+fields[1])
					}
				}
				opts = append(opts, gcap.OrderBy(fields[0], dir))
			}
		case "$expand":
			opts = append(opts, gcap.Expand(strings.Split(value, ",")...))
		default:
			if strings.HasPrefix(name, "$") {
				return gcap.Query{}, gcap.NewFieldError(gcap.ErrorTypeValidation, name, "unsupported query option")
			}
			f := entity.Field(name)
			if f == nil {
				return gcap.Query{}, gcap.NewFieldError(gcap.ErrorTypeValidation, name, entity.Name+" has no field "+name)
			}
			if value == "null" {
				opts = append(opts, gcap.Where(name, gcap.OpIsNull, nil))
				continue
			}
			v, err := gcap.ParseLiteral(f.Type, value)
			if err != nil {
				return gcap.Query{}, gcap.NewErrorWithCause(gcap.ErrorTypeValidation, "invalid filter "+name, err)
			}
			opts = append(opts, gcap.Where(name, gcap.OpEqual, v))
		}
	}
	return gcap.NewQuery(opts...), nil
}
