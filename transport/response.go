package transport

import (
	"encoding/json"
	"net/http"
)

// Merge is the server's acknowledgement that every block of a file arrived
// and the file was assembled.
type Merge struct {
	FileHash string `json:"fileHash"`
}

// Response is the last response received by a transport. The body is parsed
// as JSON when possible; Raw always holds the body bytes.
type Response struct {
	StatusCode int
	Header     http.Header
	Raw        []byte
	JSON       bool

	Code  int
	Msg   string
	Merge *Merge
}

type wireResponse struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Merge *Merge `json:"merge"`
}

// ParseResponse parses body opportunistically. A body that is not a JSON
// object leaves JSON false and only Raw set.
func ParseResponse(status int, header http.Header, body []byte) *Response {
	resp := &Response{
		StatusCode: status,
		Header:     header,
		Raw:        body,
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return resp
	}
	resp.JSON = true
	resp.Code = wire.Code
	resp.Msg = wire.Msg
	resp.Merge = wire.Merge
	return resp
}

// Merged reports whether the response signals the file is fully assembled.
func (r *Response) Merged() bool {
	return r != nil && r.Merge != nil
}

// Text returns the raw body as a string.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Raw)
}

// Success reports whether the status code is in the 2xx range.
func (r *Response) Success() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}
