package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/trustline/credential"
	"github.com/jmcleod/trustline/pki"
	"github.com/jmcleod/trustline/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writePEM(w http.ResponseWriter, pem []byte) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write(pem)
}

// errorStatus maps CA errors to HTTP status codes.
func errorStatus(err error) int {
	var signErr *pki.SigningError
	var verifyErr *pki.CertificateVerificationError
	switch {
	case errors.Is(err, credential.ErrInvalidName),
		errors.Is(err, credential.ErrInvalidRequestPEM),
		errors.Is(err, pki.ErrCertificateExists),
		errors.Is(err, pki.ErrRequestExists),
		errors.As(err, &signErr),
		errors.As(err, &verifyErr):
		return http.StatusBadRequest
	case errors.Is(err, pki.ErrCertNotFound),
		errors.Is(err, pki.ErrRequestNotFound),
		errors.Is(err, pki.ErrUnknownSerial),
		errors.Is(err, pki.ErrRenewalDisabled),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrCASFailed):
		return http.StatusConflict
	case errors.Is(err, pki.ErrNotCA):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func mapError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}
