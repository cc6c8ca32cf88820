package devserver

import (
	"encoding/json"
	"net/http"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

var problemTypes = map[int]string{
	http.StatusUnauthorized:        "https://farmsync.dev/errors/unauthorized",
	http.StatusBadRequest:          "https://farmsync.dev/errors/bad-request",
	http.StatusNotFound:            "https://farmsync.dev/errors/not-found",
	http.StatusUnprocessableEntity: "https://farmsync.dev/errors/validation-error",
	http.StatusInternalServerError: "https://farmsync.dev/errors/internal-error",
	http.StatusServiceUnavailable:  "https://farmsync.dev/errors/service-unavailable",
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	typeURI, ok := problemTypes[status]
	if !ok {
		typeURI = "https://farmsync.dev/errors/unknown"
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     typeURI,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}
