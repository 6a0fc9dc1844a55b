package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Body is a message payload with the metadata needed for content
// negotiation and cache validation.
type Body struct {
	data         []byte
	MimeType     string
	DateModified time.Time
	// MimeHandled is set once a MIME post-processor ran on this body. A new
	// body always starts unhandled.
	MimeHandled bool
}

// NewBody creates a body over raw bytes.
func NewBody(data []byte, mimeType string) *Body {
	return &Body{data: data, MimeType: mimeType}
}

// BodyFromString creates a text body.
func BodyFromString(s, mimeType string) *Body {
	if mimeType == "" {
		mimeType = "text/plain"
	}
	return NewBody([]byte(s), mimeType)
}

// BodyFromJSON marshals v into an application/json body.
func BodyFromJSON(v any) (*Body, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json body: %w", err)
	}
	return NewBody(data, "application/json"), nil
}

// BodyFromReader buffers r into a body.
func BodyFromReader(r io.Reader, mimeType string) (*Body, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return NewBody(data, mimeType), nil
}

// Bytes returns the raw payload.
func (b *Body) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Size is the payload length in bytes.
func (b *Body) Size() int64 {
	if b == nil {
		return 0
	}
	return int64(len(b.data))
}

// AsString returns the payload as text.
func (b *Body) AsString() string {
	return string(b.Bytes())
}

// IsJSON reports whether the mime type is JSON or a +json variant.
func (b *Body) IsJSON() bool {
	if b == nil {
		return false
	}
	return IsJSONMime(b.MimeType)
}

// IsText reports whether the payload is textual.
func (b *Body) IsText() bool {
	if b == nil {
		return false
	}
	return IsTextMime(b.MimeType)
}

// AsJSON decodes the payload. An empty body decodes to nil.
func (b *Body) AsJSON() (any, error) {
	data := b.Bytes()
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode json body: %w", err)
	}
	return v, nil
}

// Copy returns an independent body. The handled flag is carried over.
func (b *Body) Copy() *Body {
	if b == nil {
		return nil
	}
	c := *b
	c.data = append([]byte(nil), b.data...)
	return &c
}

// Reader returns a reader over the payload.
func (b *Body) Reader() io.Reader {
	return bytes.NewReader(b.Bytes())
}

// BaseMime strips parameters from a content type.
func BaseMime(mimeType string) string {
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// IsJSONMime reports whether mimeType is JSON.
func IsJSONMime(mimeType string) bool {
	m := BaseMime(mimeType)
	return m == "application/json" || m == "text/json" || strings.HasSuffix(m, "+json")
}

// IsTextMime reports whether mimeType is textual.
func IsTextMime(mimeType string) bool {
	m := BaseMime(mimeType)
	return strings.HasPrefix(m, "text/") || IsJSONMime(m) ||
		m == "application/javascript" || m == "application/xml" || strings.HasSuffix(m, "+xml")
}

// IsBinaryMime reports whether mimeType is not textual.
func IsBinaryMime(mimeType string) bool {
	return mimeType != "" && !IsTextMime(mimeType)
}

// DirectoryMime is the content type of directory listings.
const DirectoryMime = "inode/directory+json"
