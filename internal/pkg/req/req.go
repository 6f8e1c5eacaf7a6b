/*
Package req binds and validates HTTP request input: JSON bodies for admin writes and
bounded integer query parameters for history paging.
*/
package req

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"recoverychat/internal/pkg/errs"
)

// MaxJSONBodyBytes caps the size of JSON request bodies.
const MaxJSONBodyBytes int64 = 64 << 10

// BindJSON decodes the request body into dst, rejecting unknown fields and trailing data.
func BindJSON(w http.ResponseWriter, r *http.Request, dst any) *errs.CustomError {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return errs.NewError(errs.ErrUnsupportedMediaType)
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return errs.NewError(errs.ErrInvalidJSONFormat)
	}

	if decoder.More() {
		return errs.NewError(errs.ErrExtraContentInBody)
	}

	return nil
}

// QueryInt reads an optional integer query parameter. Missing values yield def;
// values outside [min, max] are clamped; non-numeric values are an ErrInvalidParams.
func QueryInt(r *http.Request, key string, def, min, max int64) (int64, *errs.CustomError) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errs.NewError(errs.ErrInvalidParams)
	}

	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v, nil
}
