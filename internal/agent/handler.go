package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nexthop-dev/retunnel/internal/wire"
)

// Content types the agent base64-wraps rather than sending as text:
// a best-effort prefix and exact-match list, not a MIME-type parser.
var binaryContentTypePrefixes = []string{"image/", "video/", "audio/"}

var binaryContentTypeExact = map[string]bool{
	"application/octet-stream": true,
	"application/pdf":          true,
}

// isBinaryContentType reports whether contentType should be treated
// as opaque bytes rather than text when building a response frame.
func isBinaryContentType(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	ct = strings.TrimSpace(strings.ToLower(ct))
	if binaryContentTypeExact[ct] {
		return true
	}
	for _, prefix := range binaryContentTypePrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// handle re-issues a request frame against the local server and
// builds the matching response frame. It never returns an error: any
// local failure becomes a synthesized 500 response frame so the edge
// dispatcher always gets a reply.
func (c *Client) handle(ctx context.Context, req wire.RequestFrame) wire.ResponseFrame {
	httpReq, err := c.buildLocalRequest(ctx, req)
	if err != nil {
		c.log.Warn("failed to build local request", "id", req.ID, "error", err)
		return errorResponse(req.ID, err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Warn("local request failed", "id", req.ID, "error", err)
		return errorResponse(req.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.Warn("failed to read local response", "id", req.ID, "error", err)
		return errorResponse(req.ID, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}

	contentType := resp.Header.Get("Content-Type")

	var body any
	if isBinaryContentType(contentType) {
		body = wire.BinaryBody{Type: "binary", Data: base64.StdEncoding.EncodeToString(data)}
	} else if strings.Contains(contentType, "application/json") {
		var doc any
		if err := wire.Unmarshal(data, &doc); err == nil {
			body = doc
		} else {
			body = string(data)
		}
	} else {
		body = string(data)
	}

	return wire.ResponseFrame{ID: req.ID, Status: resp.StatusCode, Headers: headers, Body: body}
}

// buildLocalRequest reconstructs an *http.Request against the agent's
// local server from a request frame's method, path, headers, body,
// and files.
func (c *Client) buildLocalRequest(ctx context.Context, req wire.RequestFrame) (*http.Request, error) {
	target := fmt.Sprintf("http://127.0.0.1:%d%s", c.localPort, req.Path)

	var bodyReader io.Reader
	var contentType string

	switch {
	case len(req.Files) > 0:
		buf := &bytes.Buffer{}
		writer := multipart.NewWriter(buf)

		if form, ok := req.Body.(map[string]any); ok {
			for k, v := range form {
				if err := writer.WriteField(k, fmt.Sprint(v)); err != nil {
					return nil, fmt.Errorf("write form field: %w", err)
				}
			}
		}
		for _, f := range req.Files {
			data, err := base64.StdEncoding.DecodeString(f.Data)
			if err != nil {
				return nil, fmt.Errorf("decode file part %q: %w", f.Field, err)
			}
			part, err := writer.CreateFormFile(f.Field, f.Filename)
			if err != nil {
				return nil, fmt.Errorf("create form file %q: %w", f.Field, err)
			}
			if _, err := part.Write(data); err != nil {
				return nil, fmt.Errorf("write form file %q: %w", f.Field, err)
			}
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("close multipart writer: %w", err)
		}
		bodyReader = buf
		contentType = writer.FormDataContentType()

	case req.Body != nil:
		switch b := req.Body.(type) {
		case string:
			// Either raw base64-encoded bytes (the dispatcher sends
			// those for unrecognized content types and for JSON that
			// failed to parse) or a parsed JSON string document, so
			// decode first and fall back to the literal string.
			if data, err := base64.StdEncoding.DecodeString(b); err == nil {
				bodyReader = bytes.NewReader(data)
			} else {
				bodyReader = strings.NewReader(b)
			}
		case map[string]any:
			if isFormHeader(req.Headers) {
				values := url.Values{}
				for k, v := range b {
					values.Set(k, fmt.Sprint(v))
				}
				bodyReader = strings.NewReader(values.Encode())
			} else {
				data, err := wire.Marshal(b)
				if err != nil {
					return nil, fmt.Errorf("marshal json body: %w", err)
				}
				bodyReader = bytes.NewReader(data)
			}
		default:
			data, err := wire.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("marshal body: %w", err)
			}
			bodyReader = bytes.NewReader(data)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return nil, err
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if cl, ok := req.Headers["content-length"]; ok {
		if n, err := strconv.Atoi(cl); err == nil {
			httpReq.ContentLength = int64(n)
		}
	}

	return httpReq, nil
}

// isFormHeader reports whether the original request's content type
// was application/x-www-form-urlencoded, in which case a parsed body
// map must be re-encoded as a form rather than as JSON.
func isFormHeader(headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, "content-type") {
			return strings.Contains(v, "application/x-www-form-urlencoded")
		}
	}
	return false
}

// errorResponse synthesizes the response frame for a local failure
// (failure to build the request, the origin being unreachable, or the
// origin's response body failing to read): a 500 with a fixed,
// non-leaking body.
func errorResponse(id uint64, err error) wire.ResponseFrame {
	_ = err // logged by the caller; never leaked to the public client
	return wire.ResponseFrame{
		ID:      id,
		Status:  http.StatusInternalServerError,
		Headers: map[string]string{"content-type": "application/json"},
		Body:    map[string]any{"error": "Internal server error"},
	}
}
