package dispatch

import (
	"encoding/base64"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/nexthop-dev/retunnel/internal/wire"
)

// parseBody builds the frame Body/Files pair from an incoming public
// request. It returns the number of body bytes so the dispatcher can
// compute bytes-in alongside the serialized headers; for a multipart
// request with a boundary that is the total size of the field values
// and file contents rather than of the raw body.
func parseBody(r *http.Request) (body any, files []wire.FilePart, bytesRead int, err error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(contentType)

	switch {
	case strings.HasPrefix(mediaType, "multipart/form-data"):
		return parseMultipart(r, params["boundary"])

	case mediaType == "application/x-www-form-urlencoded":
		raw, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			return nil, nil, 0, readErr
		}
		r.Body = io.NopCloser(strings.NewReader(string(raw)))
		if err := r.ParseForm(); err != nil {
			return nil, nil, len(raw), err
		}
		form := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				form[k] = v[0]
			}
		}
		return form, nil, len(raw), nil

	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		raw, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			return nil, nil, 0, readErr
		}
		if len(raw) == 0 {
			return nil, nil, 0, nil
		}
		var doc any
		if err := wire.Unmarshal(raw, &doc); err != nil {
			// Not valid JSON despite the content type; fall back to
			// transporting it as raw bytes rather than failing the
			// request.
			return base64.StdEncoding.EncodeToString(raw), nil, len(raw), nil
		}
		return doc, nil, len(raw), nil

	default:
		raw, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			return nil, nil, 0, readErr
		}
		if len(raw) == 0 {
			return nil, nil, 0, nil
		}
		// Raw bytes travel as a base64 string; the agent reconstructs
		// the original bytes before re-issuing the request.
		return base64.StdEncoding.EncodeToString(raw), nil, len(raw), nil
	}
}

// maxMultipartMemory caps the in-memory portion of a parsed multipart
// form; larger parts spill to temp files, matching net/http's own
// ParseMultipartForm default.
const maxMultipartMemory = 32 << 20

func parseMultipart(r *http.Request, boundary string) (any, []wire.FilePart, int, error) {
	if boundary == "" {
		raw, err := io.ReadAll(r.Body)
		return nil, nil, len(raw), err
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return nil, nil, 0, err
	}

	bytesRead := 0
	form := make(map[string]string, len(r.MultipartForm.Value))
	for k, v := range r.MultipartForm.Value {
		if len(v) > 0 {
			form[k] = v[0]
			bytesRead += len(v[0])
		}
	}

	var files []wire.FilePart
	for field, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return nil, nil, bytesRead, err
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, nil, bytesRead, err
			}
			bytesRead += len(data)

			mimeType := fh.Header.Get("Content-Type")
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}

			files = append(files, wire.FilePart{
				Field:    field,
				Filename: fh.Filename,
				Mime:     mimeType,
				Data:     base64.StdEncoding.EncodeToString(data),
			})
		}
	}

	return form, files, bytesRead, nil
}

// headerMap flattens http.Header into the wire's map[string]string
// shape, joining repeated values the way a single HTTP header line
// would.
func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
