package testutil

import (
	"bytes"
	"mime"
	"mime/multipart"
	"sort"
	"testing"
)

// FormFile is a file part of a multipart test payload.
type FormFile struct {
	Field    string
	FileName string
	Content  []byte
}

// MultipartBody encodes fields and files as multipart/form-data.
// It returns the body and its content type, boundary included.
func MultipartBody(t *testing.T, fields map[string]string, files ...FormFile) ([]byte, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := w.WriteField(name, fields[name]); err != nil {
			t.Fatalf("write field %q: %v", name, err)
		}
	}

	for _, f := range files {
		part, err := w.CreateFormFile(f.Field, f.FileName)
		if err != nil {
			t.Fatalf("create form file %q: %v", f.Field, err)
		}
		if _, err := part.Write(f.Content); err != nil {
			t.Fatalf("write form file %q: %v", f.Field, err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return buf.Bytes(), w.FormDataContentType()
}

// ParseMultipart parses a multipart body produced by MultipartBody.
func ParseMultipart(t *testing.T, body []byte, contentType string) *multipart.Form {
	t.Helper()

	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		t.Fatalf("parse content type: %v", err)
	}
	form, err := multipart.NewReader(bytes.NewReader(body), params["boundary"]).ReadForm(1 << 20)
	if err != nil {
		t.Fatalf("read form: %v", err)
	}
	t.Cleanup(func() { form.RemoveAll() })
	return form
}
