package httpserver

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// maxRequestBytes caps how much of a request we read: request line plus
// headers must fit in 8 KiB.
const maxRequestBytes = 8 * 1024

// headerReadTimeout bounds how long a client may take to send its
// request head.
const headerReadTimeout = 5 * time.Second

var (
	errRequestTooLarge  = errors.New("request exceeds 8 KiB")
	errMalformedRequest = errors.New("malformed request")
)

// request is one parsed HTTP/1.0 request head. No body is consumed.
type request struct {
	Method   string
	Path     string
	RawQuery string
	Headers  map[string]string // keys lower-cased
}

// Header returns a header value by case-insensitive name.
func (r *request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// readRequest reads bytes until the blank line ending the header block,
// enforcing the size cap, then parses the request line and headers.
func readRequest(conn net.Conn) (*request, error) {
	conn.SetReadDeadline(time.Now().Add(headerReadTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for !bytes.Contains(buf, []byte("\r\n\r\n")) {
		if len(buf) >= maxRequestBytes {
			return nil, errRequestTooLarge
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errMalformedRequest
		}
	}
	if len(buf) > maxRequestBytes {
		return nil, errRequestTooLarge
	}
	return parseRequest(buf)
}

func parseRequest(raw []byte) (*request, error) {
	head := raw
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		head = raw[:idx]
	}
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, errMalformedRequest
	}

	parts := strings.Fields(lines[0])
	if len(parts) < 2 {
		return nil, errMalformedRequest
	}
	method := parts[0]
	target := parts[1]
	if len(parts) >= 3 && !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, errMalformedRequest
	}

	path, query := target, ""
	if idx := strings.IndexByte(target, '?'); idx >= 0 {
		path, query = target[:idx], target[idx+1:]
	}
	if path == "" || path[0] != '/' {
		return nil, errMalformedRequest
	}

	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		headers[key] = strings.TrimSpace(line[idx+1:])
	}
	return &request{
		Method:   method,
		Path:     path,
		RawQuery: query,
		Headers:  headers,
	}, nil
}

// validRequestID accepts inbound X-Request-Id values: at most 64
// characters, alphanumeric or '-'.
func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}
