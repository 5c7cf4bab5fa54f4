package api

import (
	"encoding/json"
	"net/http"

	xerrors "KittyMarket-Chain/internal/errors"
)

type errorResponse struct {
	Code      xerrors.Code `json:"code"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable,omitempty"`
}

// statusOf 把错误分类映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryInput:
		return http.StatusBadRequest
	case xerrors.CategoryIdentity:
		return http.StatusNotFound
	case xerrors.CategoryAuthorization:
		return http.StatusForbidden
	case xerrors.CategoryState, xerrors.CategoryTemporal:
		return http.StatusConflict
	case xerrors.CategoryEconomic:
		return http.StatusUnprocessableEntity
	default:
		if xerrors.RetryableError(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{
		Code:      xerrors.CodeOf(err),
		Message:   err.Error(),
		Retryable: xerrors.RetryableError(err),
	}
	if e, ok := xerrors.From(err); ok {
		resp.Message = e.Message()
	}
	writeJSON(w, statusOf(err), resp)
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, xerrors.New(xerrors.CodeInvalidArgument, message))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
