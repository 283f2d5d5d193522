package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/xerrors"
)

const storedAtHeaderName = "Offline-Stored-At"

// Snapshot is an immutable copy of a response, as kept in a cache generation.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock when the snapshot was written to the cache.
	StoredAt time.Time
}

// FromResponse copies the response into a snapshot.
// The response body is read fully and then set back, so the caller can still consume it.
func FromResponse(res *http.Response, storedAt time.Time) (Snapshot, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return Snapshot{}, xerrors.Errorf("failed to read response body: %w", err)
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return Snapshot{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		Body:       body,
		StoredAt:   storedAt,
	}, nil
}

// Response rebuilds an HTTP response for the given request.
// Every call returns a fresh body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        strconv.Itoa(s.StatusCode) + " " + http.StatusText(s.StatusCode),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// ToBytes returns the HTTP/1.1 representation of the snapshot.
// The stored-at time travels as an extra header.
func (s Snapshot) ToBytes() ([]byte, error) {
	res := s.Response(nil)
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.UnixNano(), 10))
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, xerrors.Errorf("failed to write response: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes parses the output of ToBytes.
func FromBytes(b []byte) (Snapshot, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Snapshot{}, xerrors.Errorf("failed to read stored response: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Snapshot{}, xerrors.Errorf("failed to read stored body: %w", err)
	}
	s := Snapshot{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		s.StoredAt = time.Unix(0, storedAt)
	}
	s.Header.Del(storedAtHeaderName)
	return s, nil
}
