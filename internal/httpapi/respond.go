package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/DivinityQQ/iaq-monitor-server/internal/errcode"
	"github.com/DivinityQQ/iaq-monitor-server/internal/logging"
)

// errcodeNoUpdate is the abort-without-active-update error.
var errcodeNoUpdate = errcode.New(errcode.InvalidArgument, "no update in progress")

type statusBody struct {
	Status string `json:"status"`
}

// uploadBody acknowledges an accepted image. reboot_required is always
// present so clients never have to treat its absence as false.
type uploadBody struct {
	Status         string `json:"status"`
	RebootRequired bool   `json:"reboot_required"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error onto the JSON error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errcode.Of(err)
	status := errcode.HTTPStatus(code)
	logging.LogHTTPRequest(r.RemoteAddr, r.Method, r.URL.Path, status)
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    string(code),
		Message: err.Error(),
		Status:  status,
	}})
}
