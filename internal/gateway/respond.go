package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/shardnet/shardnet/internal/errs"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err,
		}).Debug("Failed to write response")
	}
}

// writeError maps err onto a status code. Retryable failures carry
// Retry-After so clients back off instead of hammering.
func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	kind := errs.KindOf(err)
	switch kind {
	case errs.KindUnavailable:
		w.Header().Set("Retry-After", "5")
	case errs.KindTimeout:
		w.Header().Set("Retry-After", "10")
	}
	msg := err.Error()
	if kind == errs.KindInternal {
		logrus.WithFields(logrus.Fields{
			"function": "writeError",
			"error":    err,
		}).Error("Request failed")
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind.String()})
}

// decodeJSON reads a JSON body into v. Malformed input is Invalid.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			return errs.Invalid("request body larger than %d bytes", maxBodyBytes)
		case errors.Is(err, io.EOF):
			return errs.Invalid("request body is empty")
		}
		return errs.Wrap(errs.KindInvalid, err, "malformed JSON body")
	}
	return nil
}

func (g *Gateway) handleNoRoute(w http.ResponseWriter, r *http.Request) {
	writeError(w, errs.NotFound("no route for %s %s", r.Method, r.URL.Path))
}

func (g *Gateway) handleBadMethod(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
		Error: r.Method + " is not allowed on " + r.URL.Path,
		Kind:  errs.KindInvalid.String(),
	})
}
