// Package message provides the request/response value that flows through
// the dispatcher, services and pipelines.
//
// A Message is both request and response: services receive one and return
// one. Status 0 means "not yet set" and is treated as success.
package message

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// Message is an HTTP-like request or response.
type Message struct {
	Method  string
	URL     *Url
	Headers http.Header
	Body    *Body
	Status  int
	User    *User

	// Name labels a pipeline result (":name" suffix).
	Name string
	// TraceID correlates a request with its sub-requests.
	TraceID string
	// ServiceRedirect, when set by a pre-pipeline, routes the request to
	// another URL instead of running the service body.
	ServiceRedirect string
	// Depth counts nested internal dispatches.
	Depth int

	// inbound is the header set the message arrived with over HTTP. It
	// is shared by copies and never modified.
	inbound http.Header
}

// New creates a message for method and url.
func New(method string, u *Url, user *User) *Message {
	return &Message{
		Method:  strings.ToUpper(method),
		URL:     u,
		Headers: make(http.Header),
		User:    user,
	}
}

// NewFromString parses rawURL and creates a message.
func NewFromString(method, rawURL string, user *User) (*Message, error) {
	u, err := ParseUrl(rawURL)
	if err != nil {
		return nil, err
	}
	return New(method, u, user), nil
}

// Copy returns a deep copy of the message.
func (m *Message) Copy() *Message {
	c := *m
	c.URL = m.URL.Copy()
	c.Headers = m.Headers.Clone()
	if c.Headers == nil {
		c.Headers = make(http.Header)
	}
	c.Body = m.Body.Copy()
	c.User = m.User.Copy()
	return &c
}

// Ok reports whether the status is success or unset.
func (m *Message) Ok() bool {
	return m.Status == 0 || (m.Status >= 200 && m.Status < 300)
}

// IsRedirect reports a 3xx status.
func (m *Message) IsRedirect() bool {
	return m.Status >= 300 && m.Status < 400
}

// StatusOrOK is the status to put on the wire.
func (m *Message) StatusOrOK() int {
	if m.Status == 0 {
		if m.Body == nil && m.Method != http.MethodGet && m.Method != http.MethodHead {
			return http.StatusNoContent
		}
		return http.StatusOK
	}
	return m.Status
}

// SetStatus sets the status and, when text is given, a plain text body.
func (m *Message) SetStatus(status int, text string) *Message {
	m.Status = status
	if text != "" {
		m.SetBody(BodyFromString(text, "text/plain"))
	}
	return m
}

// SetBody replaces the body. The replacement is always MIME-unhandled.
func (m *Message) SetBody(b *Body) *Message {
	if b != nil {
		b.MimeHandled = false
	}
	m.Body = b
	return m
}

// SetJSON replaces the body with the JSON encoding of v.
func (m *Message) SetJSON(v any) error {
	b, err := BodyFromJSON(v)
	if err != nil {
		return err
	}
	m.SetBody(b)
	return nil
}

// RemoveBody drops the body.
func (m *Message) RemoveBody() *Message {
	m.Body = nil
	return m
}

// ContentType returns the body mime type, falling back to the header.
func (m *Message) ContentType() string {
	if m.Body != nil && m.Body.MimeType != "" {
		return m.Body.MimeType
	}
	return m.Headers.Get("Content-Type")
}

// IsDirectory reports a directory-style request or directory listing body.
func (m *Message) IsDirectory() bool {
	if m.URL != nil && m.URL.IsDirectory {
		return true
	}
	return BaseMime(m.ContentType()) == DirectoryMime
}

// RedirectTo sets a redirect response.
func (m *Message) RedirectTo(location string, status int) *Message {
	if status == 0 {
		status = http.StatusFound
	}
	m.Status = status
	m.Headers.Set("Location", location)
	m.Body = nil
	return m
}

// String is used in logs.
func (m *Message) String() string {
	u := ""
	if m.URL != nil {
		u = m.URL.String()
	}
	return fmt.Sprintf("%s %s %d", m.Method, u, m.Status)
}

// FromHTTPRequest converts an incoming request. The body is buffered.
func FromHTTPRequest(r *http.Request, traceID string) (*Message, error) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	u, err := ParseUrl(scheme + "://" + r.Host + r.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	msg := New(r.Method, u, AnonUser())
	msg.Headers = r.Header.Clone()
	msg.inbound = r.Header.Clone()
	msg.TraceID = traceID
	if r.Body != nil && r.Body != http.NoBody {
		body, err := BodyFromReader(r.Body, r.Header.Get("Content-Type"))
		if err != nil {
			return nil, err
		}
		if body.Size() > 0 || r.ContentLength > 0 {
			msg.Body = body
		}
	}
	return msg, nil
}

// ToHTTPRequest converts the message into an outbound request.
func (m *Message) ToHTTPRequest() (*http.Request, error) {
	var body io.Reader
	if m.Body != nil {
		body = m.Body.Reader()
	}
	req, err := http.NewRequest(m.Method, m.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = m.Headers.Clone()
	if m.Body != nil && m.Body.MimeType != "" {
		req.Header.Set("Content-Type", m.Body.MimeType)
	}
	return req, nil
}

// FromHTTPResponse copies response metadata and body into a message
// answering req.
func FromHTTPResponse(req *Message, resp *http.Response) (*Message, error) {
	msg := req.Copy()
	msg.Status = resp.StatusCode
	msg.Headers = resp.Header.Clone()
	msg.Body = nil
	if resp.Body != nil {
		body, err := BodyFromReader(resp.Body, resp.Header.Get("Content-Type"))
		if err != nil {
			return nil, err
		}
		if body.Size() > 0 {
			msg.Body = body
		}
	}
	return msg, nil
}

// requestOnlyHeaders describe the request and are never echoed into a
// response written by WriteTo.
var requestOnlyHeaders = map[string]bool{
	"Accept":                         true,
	"Accept-Encoding":                true,
	"Accept-Language":                true,
	"Access-Control-Request-Headers": true,
	"Access-Control-Request-Method":  true,
	"Authorization":                  true,
	"Connection":                     true,
	"Content-Length":                 true,
	"Cookie":                         true,
	"Host":                           true,
	"If-Match":                       true,
	"If-Modified-Since":              true,
	"If-None-Match":                  true,
	"If-Unmodified-Since":            true,
	"Origin":                         true,
	"Range":                          true,
	"Referer":                        true,
	"User-Agent":                     true,
	"X-Forwarded-For":                true,
	"X-Forwarded-Host":               true,
	"X-Forwarded-Proto":              true,
}

// WriteTo writes the message as an HTTP response. Headers still carrying
// the values the request arrived with are not echoed back.
func (m *Message) WriteTo(w http.ResponseWriter) error {
	h := w.Header()
	for k, vs := range m.Headers {
		if requestOnlyHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		if in, ok := m.inbound[http.CanonicalHeaderKey(k)]; ok && slices.Equal(in, vs) {
			continue
		}
		if m.Body == nil && http.CanonicalHeaderKey(k) == "Content-Type" {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if m.Body != nil {
		if m.Body.MimeType != "" {
			h.Set("Content-Type", m.Body.MimeType)
		}
		h.Set("Content-Length", strconv.FormatInt(m.Body.Size(), 10))
	}
	w.WriteHeader(m.StatusOrOK())
	if m.Body == nil || m.Method == http.MethodHead {
		return nil
	}
	_, err := w.Write(m.Body.Bytes())
	return err
}
