package dispatch

import (
	"bytes"
	"encoding/base64"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseBodyJSON(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "http://client-aaaaaaaaaaaa.example.com/api", strings.NewReader(`{"x":1}`))
	req.Header.Set("Content-Type", "application/json")

	body, files, n, err := parseBody(req)
	if err != nil {
		t.Fatalf("parseBody: %v", err)
	}
	if files != nil {
		t.Fatalf("files = %v, want nil", files)
	}
	if n != len(`{"x":1}`) {
		t.Fatalf("bytesRead = %d", n)
	}
	doc, ok := body.(map[string]any)
	if !ok || doc["x"] != float64(1) {
		t.Fatalf("body = %#v", body)
	}
}

func TestParseBodyForm(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "http://client-aaaaaaaaaaaa.example.com/submit", strings.NewReader("a=1&b=two"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, _, _, err := parseBody(req)
	if err != nil {
		t.Fatalf("parseBody: %v", err)
	}
	form, ok := body.(map[string]string)
	if !ok {
		t.Fatalf("body type = %T", body)
	}
	if form["a"] != "1" || form["b"] != "two" {
		t.Fatalf("form = %+v", form)
	}
}

func TestParseBodyRawBytesAreBase64Encoded(t *testing.T) {
	t.Parallel()

	raw := []byte{0x00, 0x01, 0xff, 0xfe}
	req := httptest.NewRequest(http.MethodPost, "http://client-aaaaaaaaaaaa.example.com/blob", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/octet-stream")

	body, _, n, err := parseBody(req)
	if err != nil {
		t.Fatalf("parseBody: %v", err)
	}
	if n != len(raw) {
		t.Fatalf("bytesRead = %d, want %d", n, len(raw))
	}
	encoded, ok := body.(string)
	if !ok {
		t.Fatalf("body type = %T", body)
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatalf("round trip mismatch: %v != %v", decoded, raw)
	}
}

func TestParseBodyMultipart(t *testing.T) {
	t.Parallel()

	fileBytes := []byte("file contents\x00\x01")

	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	if err := writer.WriteField("name", "alice"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	if err := writer.WriteField("note", "hello"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	part, err := writer.CreateFormFile("upload", "photo.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(fileBytes); err != nil {
		t.Fatalf("write part: %v", err)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "http://client-aaaaaaaaaaaa.example.com/upload", buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	body, files, _, err := parseBody(req)
	if err != nil {
		t.Fatalf("parseBody: %v", err)
	}

	form, ok := body.(map[string]string)
	if !ok {
		t.Fatalf("body type = %T", body)
	}
	if form["name"] != "alice" || form["note"] != "hello" {
		t.Fatalf("form = %+v", form)
	}

	if len(files) != 1 {
		t.Fatalf("files = %d, want 1", len(files))
	}
	f := files[0]
	if f.Field != "upload" || f.Filename != "photo.png" {
		t.Fatalf("file part = %+v", f)
	}
	decoded, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		t.Fatalf("decode file data: %v", err)
	}
	if !bytes.Equal(decoded, fileBytes) {
		t.Fatalf("file bytes mismatch")
	}
}
