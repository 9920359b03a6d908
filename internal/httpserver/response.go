package httpserver

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	405: "Method Not Allowed",
	409: "Conflict",
	413: "Payload Too Large",
	500: "Internal Server Error",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

// respMeta carries the per-response trace state: id, worker attribution,
// extra headers, and whether the body is elided (HEAD).
type respMeta struct {
	requestID    string
	worker       string // worker id within the command, or "front"
	pid          int
	extraHeaders [][2]string
	suppressBody bool
}

func (m *respMeta) withHeader(key, value string) *respMeta {
	m.extraHeaders = append(m.extraHeaders, [2]string{key, value})
	return m
}

// writeJSON sends one complete HTTP/1.0 response and leaves the
// connection to be closed by the caller. HEAD responses carry the
// headers (including Content-Length) that the GET body would produce.
func writeJSON(conn net.Conn, status int, body []byte, meta *respMeta) {
	text, ok := statusText[status]
	if !ok {
		text = "Internal Server Error"
		status = 500
	}
	head := fmt.Sprintf("HTTP/1.0 %d %s\r\n", status, text)
	head += "Content-Type: application/json; charset=utf-8\r\n"
	head += "Content-Length: " + strconv.Itoa(len(body)) + "\r\n"
	head += "X-Request-Id: " + meta.requestID + "\r\n"
	head += fmt.Sprintf("X-Worker-Pid: %d:%s\r\n", meta.pid, meta.worker)
	for _, kv := range meta.extraHeaders {
		head += kv[0] + ": " + kv[1] + "\r\n"
	}
	head += "Connection: close\r\n\r\n"

	if _, err := conn.Write([]byte(head)); err != nil {
		return
	}
	if !meta.suppressBody {
		conn.Write(body)
	}
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type envelope struct {
	OK        bool       `json:"ok"`
	Command   string     `json:"command"`
	RequestID string     `json:"request_id"`
	ElapsedMS *int64     `json:"elapsed_ms,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     *wireError `json:"error,omitempty"`
}

func okEnvelope(command, requestID string, elapsedMS int64, result any) []byte {
	return mustJSON(envelope{
		OK:        true,
		Command:   command,
		RequestID: requestID,
		ElapsedMS: &elapsedMS,
		Result:    result,
	})
}

func errEnvelope(command, requestID, kind, message string) []byte {
	return mustJSON(envelope{
		OK:        false,
		Command:   command,
		RequestID: requestID,
		Error:     &wireError{Kind: kind, Message: message},
	})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"ok":false,"error":{"kind":"internal","message":"encoding failure"}}`)
	}
	return data
}
