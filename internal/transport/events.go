package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/klauspost/compress/gzip"

	"github.com/user/voicelink/internal/types"
	"github.com/user/voicelink/internal/upstream"
)

// SendEvent posts msg to the current server. The returned channel yields
// sent once the server answered and then exactly one terminal state.
func (c *Client) SendEvent(ctx context.Context, msg *upstream.Message) <-chan types.StreamDataState {
	out := make(chan types.StreamDataState, 2)
	go func() {
		defer close(out)
		for _, state := range c.sendEvent(ctx, msg) {
			out <- state
		}
	}()
	return out
}

func (c *Client) sendEvent(ctx context.Context, msg *upstream.Message) []types.StreamDataState {
	failed := func(err error) []types.StreamDataState {
		if errors.Is(ctx.Err(), context.Canceled) {
			return []types.StreamDataState{{State: types.StreamCancelled}}
		}
		return []types.StreamDataState{{State: types.StreamError, Err: err}}
	}

	policy, ok := c.Endpoint()
	if !ok {
		return failed(ErrNotConnected)
	}

	body, contentType, err := encodeEvent(msg)
	if err != nil {
		return failed(err)
	}
	gzipped := false
	if c.config.GzipEvents {
		if body, err = compress(body); err != nil {
			return failed(err)
		}
		gzipped = true
	}

	rctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := c.newRequest(rctx, http.MethodPost, c.baseURL(policy)+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return failed(err)
	}
	req.Header.Set("Content-Type", contentType)
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failed(fmt.Errorf("sending event: %w", requestError(rctx, err)))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	sent := types.StreamDataState{State: types.StreamSent}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return []types.StreamDataState{sent, {State: types.StreamError, Err: statusError(resp.StatusCode, respBody)}}
	}
	return []types.StreamDataState{sent, {State: types.StreamFinished}}
}

// encodeEvent writes the three message sections as form fields.
func encodeEvent(msg *upstream.Message) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	sections := []struct{ name, value string }{
		{"header", msg.HeaderJSON},
		{"payload", msg.PayloadJSON},
		{"context", msg.ContextJSON},
	}
	for _, s := range sections {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, s.name))
		h.Set("Content-Type", "application/json")
		w, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("encoding %s section: %w", s.name, err)
		}
		if _, err := io.WriteString(w, s.value); err != nil {
			return nil, "", fmt.Errorf("encoding %s section: %w", s.name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("encoding event: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compressing event: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing event: %w", err)
	}
	return buf.Bytes(), nil
}
