package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"

	"github.com/user/voicelink/internal/types"
)

// stream reads directive parts from a multipart downstream response.
type stream struct {
	body    io.ReadCloser
	reader  *multipart.Reader
	onClose func()
	once    sync.Once
}

func newStream(resp *http.Response) (*stream, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("parsing stream content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, fmt.Errorf("unexpected stream content type %q", mediaType)
	}
	return &stream{
		body:   resp.Body,
		reader: multipart.NewReader(resp.Body, params["boundary"]),
	}, nil
}

// Next returns the directives of the next part. io.EOF marks a stream the
// server closed. The part body is decoded as soon as its JSON document is
// complete; the server may hold the part open until it has more to send.
func (s *stream) Next() ([]*types.Directive, error) {
	part, err := s.reader.NextPart()
	if err != nil {
		return nil, err
	}

	var body partBody
	if err := json.NewDecoder(part).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parsing stream part: %w", err)
	}
	return body.directives(), nil
}

// Close releases the response body. onClose runs once, on the first call.
func (s *stream) Close() error {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.body.Close()
}

// partBody is either a directive batch or a single directive.
type partBody struct {
	Directives []*types.Directive `json:"directives"`
	Header     *types.Header      `json:"header"`
	Payload    json.RawMessage    `json:"payload"`
}

func (b partBody) directives() []*types.Directive {
	if b.Directives != nil {
		return b.Directives
	}
	if b.Header != nil {
		return []*types.Directive{{Header: *b.Header, Payload: b.Payload}}
	}
	return nil
}
