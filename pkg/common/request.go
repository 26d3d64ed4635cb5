package common

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// MaxBodyBytes bounds JSON request bodies.
const MaxBodyBytes = 4 << 20

func ParseJSONBodyReturn(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		WriteErrorResponse(w, StatusInvalidRequest, "Invalid JSON body")
		return err
	}
	return nil
}

// ParseTabID parses a tab identity from a path segment or query value.
func ParseTabID(raw string) (int, error) {
	if raw == "" {
		return 0, fmt.Errorf("tab id is required")
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tab id %q", raw)
	}
	return id, nil
}

// QueryInt reads a non-negative integer query parameter, returning def when
// it is absent.
func QueryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return n, nil
}
