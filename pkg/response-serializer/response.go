package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

// CaptureTimeHeaderName is the synthetic header carrying the time a stored response was fetched,
// in milliseconds since the epoch.
const CaptureTimeHeaderName = "Sw-Cache-Time"

// TimedResponse is a response together with the times needed to judge its freshness.
type TimedResponse struct {
	Response *http.Response
	// The value of the clock at the time of the request that resulted in the stored response.
	RequestTime time.Time
	// The value of the clock at the time the response was received.
	ResponseTime time.Time
}

// Buffer reads the whole response body into memory and replaces it with a re-readable copy.
// It returns the body bytes.
func Buffer(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return nil, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Clone returns a copy of a buffered response, with its own header map and body reader.
// The original response body is left untouched.
func Clone(res *http.Response) (*http.Response, error) {
	body, err := Buffer(res)
	if err != nil {
		return nil, err
	}
	clone := *res
	clone.Header = res.Header.Clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.TransferEncoding = nil
	return &clone, nil
}

// Stamp sets the capture time header on the response.
func Stamp(res *http.Response, t time.Time) {
	res.Header.Set(CaptureTimeHeaderName, strconv.FormatInt(t.UnixMilli(), 10))
}

// CaptureTime returns the capture time stamped on the response, if there is a valid one.
func CaptureTime(res *http.Response) (time.Time, bool) {
	value := res.Header.Get(CaptureTimeHeaderName)
	if value == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// ResponseToBytes converts a response to its HTTP/1.1 representation.
// The response body is read and then set back, so the response can still be used.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	clone, err := Clone(res)
	if err != nil {
		return nil, err
	}
	// always store as HTTP/1.1, whatever the upstream protocol was
	clone.Proto = "HTTP/1.1"
	clone.ProtoMajor = 1
	clone.ProtoMinor = 1
	clone.Close = false
	buf := &bytes.Buffer{}
	if err := clone.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts stored bytes back to a response for the given request.
// The body is fully buffered, so the response does not depend on the byte slice afterwards.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return nil, err
	}
	if _, err := Buffer(res); err != nil {
		return nil, err
	}
	return res, nil
}
