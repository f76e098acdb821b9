package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// isJSONContentType rejects only an explicitly wrong Content-Type. A missing
// header is tolerated; the decoder is the real gate on the body.
func isJSONContentType(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	// Accept common forms: application/json or application/json; charset=utf-8
	return strings.HasPrefix(ct, "application/json")
}

func mapDecodeError(err error) string {
	if err == nil {
		return "Request body is not valid JSON."
	}
	var synErr *json.SyntaxError
	if errors.As(err, &synErr) {
		return "Request body is not valid JSON."
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "Request body is not valid JSON."
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return "Request field " + typeErr.Field + " has the wrong type."
	}
	return "Request body could not be read."
}
