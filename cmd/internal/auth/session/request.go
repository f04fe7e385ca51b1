package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// Service selects which backend base URL a request targets.
type Service int

const (
	ServiceAccounts Service = iota
	ServiceProjects
)

func (s Service) String() string {
	switch s {
	case ServiceAccounts:
		return "accounts"
	case ServiceProjects:
		return "projects"
	default:
		return "unknown"
	}
}

// File is one multipart file part.
type File struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

// Request describes one logical API call.
//
// The body is re-encoded on every dispatch, so a descriptor can be retried after a refresh.
type Request struct {
	Service Service
	Method  string
	// Path is relative to the service base URL ("projects/42/").
	Path  string
	Query url.Values

	// Body is JSON encoded unless it is []byte, which is sent as-is.
	Body any
	// Form and Files switch the request to multipart/form-data.
	Form  map[string][]string
	Files []File

	// ContentType overrides the computed content type.
	ContentType string

	// Op is the generic failure message used when the backend returns no usable payload.
	Op string
}

func (r Request) op() string {
	if strings.TrimSpace(r.Op) != "" {
		return r.Op
	}
	return "Request failed"
}

func (r Request) multipart() bool {
	return len(r.Files) > 0 || len(r.Form) > 0
}

// Response is a successful (2xx) backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if r == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// endpoint joins the service base URL, the request path and the query.
func endpoint(base, path string, q url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: base url: %v", ErrInvalidRequest, err)
	}
	clean := strings.TrimPrefix(path, "/")
	if clean != "" {
		trailing := strings.HasSuffix(clean, "/")
		u = u.JoinPath(clean)
		// JoinPath drops the trailing slash the accounts backend relies on.
		if trailing && !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
	}
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// encodeBody renders the body and its content type.
func encodeBody(r Request) (io.Reader, string, error) {
	if r.multipart() {
		buf, ct, err := encodeMultipart(r)
		if err != nil {
			return nil, "", err
		}
		return buf, override(r.ContentType, ct), nil
	}

	switch b := r.Body.(type) {
	case nil:
		return nil, r.ContentType, nil
	case []byte:
		return bytes.NewReader(b), override(r.ContentType, "application/json"), nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("%w: encode body: %v", ErrInvalidRequest, err)
		}
		return bytes.NewReader(raw), override(r.ContentType, "application/json"), nil
	}
}

func encodeMultipart(r Request) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for field, values := range r.Form {
		for _, v := range values {
			if err := w.WriteField(field, v); err != nil {
				return nil, "", fmt.Errorf("%w: form field %q: %v", ErrInvalidRequest, field, err)
			}
		}
	}

	for _, f := range r.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.Field, f.Name))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("%w: file %q: %v", ErrInvalidRequest, f.Name, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("%w: file %q: %v", ErrInvalidRequest, f.Name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("%w: multipart: %v", ErrInvalidRequest, err)
	}
	return &buf, w.FormDataContentType(), nil
}

func override(explicit, computed string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	return computed
}
