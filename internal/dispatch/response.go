package dispatch

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/nexthop-dev/retunnel/internal/core"
	"github.com/nexthop-dev/retunnel/internal/wire"
)

// writeResponse emits a tunnel response onto the public connection,
// returning the number of body bytes written (bytes-out for the
// request log).
func writeResponse(w http.ResponseWriter, resp *core.ResponseFrame) int {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	contentType := resp.Headers["content-type"]
	if contentType == "" {
		contentType = resp.Headers["Content-Type"]
	}
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)

	if binary, ok := asBinaryBody(resp.Body); ok {
		data, err := base64.StdEncoding.DecodeString(binary)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return 0
		}
		w.WriteHeader(status)
		n, _ := w.Write(data)
		return n
	}

	if strings.Contains(contentType, "application/json") {
		data, err := wire.Marshal(resp.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return 0
		}
		w.WriteHeader(status)
		n, _ := w.Write(data)
		return n
	}

	s, _ := resp.Body.(string)
	w.WriteHeader(status)
	n, _ := w.Write([]byte(s))
	return n
}

// asBinaryBody reports whether body is the tagged
// {type:"binary",data:...} envelope decoded from JSON (which arrives
// as map[string]any, since the frame's Body field is typed any).
func asBinaryBody(body any) (string, bool) {
	m, ok := body.(map[string]any)
	if !ok {
		return "", false
	}
	if t, _ := m["type"].(string); t != "binary" {
		return "", false
	}
	data, ok := m["data"].(string)
	return data, ok
}
