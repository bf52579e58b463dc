package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"mime"
	"mime/multipart"
	"sort"
	"strings"
)

// KeyPrefix namespaces all fingerprints in Redis.
const KeyPrefix = "proxy:response:"

// Fingerprint identifies a cacheable request. It is the Redis key of the entry.
type Fingerprint string

// String returns the fingerprint as a plain string.
func (f Fingerprint) String() string {
	return string(f)
}

// CacheKey holds the request dimensions that make up a fingerprint.
// Empty fields are valid and hash as the empty sentinel.
type CacheKey struct {
	// Authorization is the raw Authorization header value
	Authorization string

	// ContentType is the request content type
	ContentType string

	// Method is the HTTP method
	Method string

	// Path is the upstream-relative path (proxy prefix stripped)
	Path string

	// Body is the request body. Nil for multipart requests fingerprinted by descriptor.
	Body []byte

	// FileName is the X-File-Name hint for multipart uploads
	FileName string
}

// Fingerprint computes the deterministic digest of the key.
//
// Every field is length-prefixed before hashing, so moving bytes from one
// field into a neighbour always yields a different digest.
func (k CacheKey) Fingerprint() Fingerprint {
	h := sha256.New()
	writeField(h, []byte(k.Authorization))
	writeField(h, []byte(normalizeContentType(k.ContentType)))
	writeField(h, []byte(k.Method))
	writeField(h, []byte(k.Path))
	writeField(h, k.Body)
	writeField(h, []byte(k.FileName))
	return Fingerprint(KeyPrefix + hex.EncodeToString(h.Sum(nil)))
}

// String returns the fingerprint string of the key.
func (k CacheKey) String() string {
	return k.Fingerprint().String()
}

// DeriveKey builds the fingerprint for a request.
//
// For multipart requests callers pass a nil body to fingerprint by descriptor
// (auth, media type, method, path and file name). Two uploads with the same
// file name but different content then share a fingerprint. Pass the output
// of HashForm as body to key on content instead.
func DeriveKey(authorization, contentType, method, path string, body []byte, fileName string) Fingerprint {
	return CacheKey{
		Authorization: authorization,
		ContentType:   contentType,
		Method:        method,
		Path:          path,
		Body:          body,
		FileName:      fileName,
	}.Fingerprint()
}

// IsMultipart reports whether the content type is multipart/form-data.
func IsMultipart(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "multipart/form-data")
}

// normalizeContentType strips the boundary from multipart content types.
// The boundary is chosen per request by the client and carries no meaning.
func normalizeContentType(contentType string) string {
	if !IsMultipart(contentType) {
		return contentType
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "multipart/form-data"
	}
	return mediaType
}

func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// HashForm returns a SHA-256 digest over the values and file contents of a
// parsed multipart form. Fields are visited in sorted order, so the digest is
// stable across parses regardless of boundary or part order within a name.
func HashForm(form *multipart.Form) ([]byte, error) {
	h := sha256.New()
	if form == nil {
		return h.Sum(nil), nil
	}

	names := make([]string, 0, len(form.Value))
	for name := range form.Value {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeField(h, []byte("value"))
		writeField(h, []byte(name))
		for _, v := range form.Value[name] {
			writeField(h, []byte(v))
		}
	}

	files := make([]string, 0, len(form.File))
	for name := range form.File {
		files = append(files, name)
	}
	sort.Strings(files)
	for _, name := range files {
		writeField(h, []byte("file"))
		writeField(h, []byte(name))
		for _, fh := range form.File[name] {
			writeField(h, []byte(fh.Filename))
			if err := hashFile(h, fh); err != nil {
				return nil, fmt.Errorf("hash form file %q: %w", name, err)
			}
		}
	}

	return h.Sum(nil), nil
}

func hashFile(h hash.Hash, fh *multipart.FileHeader) error {
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(fh.Size))
	h.Write(n[:])
	_, err = io.Copy(h, f)
	return err
}
