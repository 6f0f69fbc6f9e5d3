package transform

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// UploadFile is one request-scoped file travelling through the pipeline.
// Data holds the raw bytes before transformation and the re-encoded bytes
// after. Key is the object-store key the file will be written under.
type UploadFile struct {
	Name     string
	MIMEType string
	Key      string
	Data     []byte
}

// IsImage reports whether the file is classified as an image.
func (f UploadFile) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(f.MIMEType), "image/")
}

// NewKeyPrefix returns a fresh "<unix-millis>-<random>" prefix. Call it
// once per request and pass it to NewUploadFile for every file of that
// request; two requests in the same millisecond still get distinct keys.
func NewKeyPrefix(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// NewUploadFile builds an UploadFile from a multipart part. A missing or
// generic declared type is replaced by the type sniffed from the content.
// The key is "<prefix>-<sanitized name>".
func NewUploadFile(name, declaredMIME string, data []byte, prefix string) UploadFile {
	mt := strings.TrimSpace(declaredMIME)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "" || mt == "application/octet-stream" {
		mt = mimetype.Detect(data).String()
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = mt[:i]
		}
	}
	clean := SanitizeName(name)
	return UploadFile{
		Name:     clean,
		MIMEType: mt,
		Key:      prefix + "-" + clean,
		Data:     data,
	}
}

// SanitizeName reduces a client-supplied file name to its base name with
// every character outside [A-Za-z0-9._-] replaced by '-'.
func SanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if base == "." || base == "/" || base == ".." {
		return "file"
	}
	out := strings.Map(func(r rune) rune {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '-'
		}
	}, base)
	out = strings.Trim(out, ".")
	if out == "" {
		return "file"
	}
	return out
}

// withFormat returns a copy of f carrying data in a new format. The
// extension of both Name and Key is replaced with ext.
func (f UploadFile) withFormat(data []byte, mimeType, ext string) UploadFile {
	f.Data = data
	f.MIMEType = mimeType
	f.Name = replaceExt(f.Name, ext)
	f.Key = replaceExt(f.Key, ext)
	return f
}

func replaceExt(name, ext string) string {
	return strings.TrimSuffix(name, path.Ext(name)) + ext
}
