package handlers

import (
	"net/http"

	"github.com/triageline/relay/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeErrorJSON(w, http.StatusNotFound, apiError{Code: "not_found", Message: "not found", RequestID: reqID})
}
