package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// BytesToResponse converts a stored snapshot back to a http.Response.
// The request, which may be nil, is attached to the response.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response, with the body fully read
// and a Content-Length set. The response body is replaced with an in-memory copy,
// so the response can still be sent after this call.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}
	// set response body back
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil

	// write a normalized copy, res keeps its protocol fields
	snapshot := *res
	snapshot.Proto = "HTTP/1.1"
	snapshot.ProtoMajor = 1
	snapshot.ProtoMinor = 1
	snapshot.Request = nil
	snapshot.Trailer = nil
	snapshot.Close = false
	snapshot.Body = io.NopCloser(bytes.NewReader(body))

	buf := &bytes.Buffer{}
	if err := snapshot.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}
