package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mrmushfiq/llm0-credit-gateway/internal/gateway/gwerrors"
)

// errorShape selects the error body format of an endpoint
type errorShape int

const (
	openAIShape errorShape = iota
	anthropicShape
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status and body of the endpoint's wire
// format
func writeError(w http.ResponseWriter, shape errorShape, err error) {
	writeErrorMessage(w, shape, gwerrors.HTTPStatus(err), gwerrors.ErrorType(err), err.Error())
}

func writeErrorMessage(w http.ResponseWriter, shape errorShape, status int, errType, message string) {
	if shape == anthropicShape {
		writeJSON(w, status, map[string]interface{}{
			"type":  "error",
			"error": map[string]string{"type": errType, "message": message},
		})
		return
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"message": message, "type": errType},
	})
}
