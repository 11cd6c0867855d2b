package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"treasury-service/internal/errs"
)

// requestIDFromRequest 从请求头取调用方请求 ID
func requestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if reqID == "" {
		reqID = strings.TrimSpace(r.Header.Get("X-Request-ID"))
	}
	return reqID
}

// writeError 按业务错误码写结构化错误响应
func writeError(w http.ResponseWriter, r *http.Request, err *errs.Error) {
	if w == nil || err == nil {
		return
	}
	payload := *err
	if payload.RequestID == "" {
		if reqID := requestIDFromRequest(r); reqID != "" {
			payload.RequestID = reqID
		}
	}
	writeJSON(w, payload.HTTPStatus(), &payload)
}

// writeErrorCode 用错误码和消息写错误响应
func writeErrorCode(w http.ResponseWriter, r *http.Request, code errs.Code, message string) {
	writeError(w, r, errs.New(code, message))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
