package server

import (
	"net/http"

	apperrors "github.com/postpace/postpace/internal/errors"
)

// HandleError is the central error responder; every handler error goes through it
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}
