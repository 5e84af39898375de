package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxJSONBody = 1 << 20

var validate = validator.New()

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeValidation(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"fields": fields,
	})
}

// decodeJSON reads a JSON body into dst and validates it. It writes the
// error response itself and reports whether the handler may continue.
func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body is empty")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if fields := validateStruct(dst); len(fields) > 0 {
		writeValidation(w, fields)
		return false
	}
	return true
}

// validateStruct returns field errors keyed by lower-cased field name.
func validateStruct(payload any) map[string]string {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"body": err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			fields[name] = fmt.Sprintf("%s is required", name)
		case "email":
			fields[name] = fmt.Sprintf("%s must be a valid email address", name)
		case "min":
			fields[name] = fmt.Sprintf("%s must be at least %s characters", name, fe.Param())
		case "max":
			fields[name] = fmt.Sprintf("%s must be at most %s characters", name, fe.Param())
		default:
			fields[name] = fmt.Sprintf("%s is invalid", name)
		}
	}
	return fields
}
