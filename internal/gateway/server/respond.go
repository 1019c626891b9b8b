package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/toolgate/toolgate/internal/gateway/fault"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the wire shape for every failure: {error, details?}.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	if ra := fault.RetryAfterOf(err); ra > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ra.Seconds())))
	}
	body := errorBody{Error: string(fault.KindOf(err))}
	if reason := fault.ReasonOf(err); reason != "" {
		body.Details = reason
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, details string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: string(fault.KindValidation), Details: details})
}

// decodeBody strictly decodes a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
