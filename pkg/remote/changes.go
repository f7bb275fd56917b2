package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"cumulus/pkg/transport"
	"cumulus/pkg/types"
)

// Changes opens the drive's change feed starting after the given checkpoint.
// An empty checkpoint replays the feed from the beginning. The response body
// is a stream of newline-delimited JSON pages terminated by {"end": true};
// the caller must drain the reader to the end marker or Close it.
func (c *Client) Changes(ctx context.Context, checkpoint types.Checkpoint, includePurged bool) (*ChangesReader, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"checkpoint":    checkpoint,
		"includePurged": includePurged,
	})

	resp, err := c.tp.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		Path:   "/changes",
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, transport.StatusError(resp.StatusCode)
	}

	return &ChangesReader{
		body: resp.Body,
		// Pages can be large; read whole lines without a token limit.
		r: bufio.NewReaderSize(resp.Body, 64*1024),
	}, nil
}

// ChangesReader iterates the pages of one change feed response.
type ChangesReader struct {
	body io.ReadCloser
	r    *bufio.Reader
	done bool
}

// Next returns the next page. It returns io.EOF after the end marker. A
// stream that closes without an end marker is an error: the feed was
// truncated and the last page must not be trusted as terminal.
func (cr *ChangesReader) Next() (*types.ChangeSet, error) {
	if cr.done {
		return nil, io.EOF
	}

	line, err := cr.readLine()
	if err == io.EOF {
		return nil, fmt.Errorf("change feed ended without end marker")
	}
	if err != nil {
		return nil, &transport.Error{Kind: transport.ConnectionFailed, Err: err}
	}

	var page types.ChangeSet
	if err := json.Unmarshal(line, &page); err != nil {
		return nil, fmt.Errorf("failed to decode change feed page: %w", err)
	}
	if page.End {
		cr.done = true
		return nil, io.EOF
	}
	if page.StatusCode != 0 && page.StatusCode != http.StatusOK {
		return nil, transport.StatusError(page.StatusCode)
	}
	return &page, nil
}

func (cr *ChangesReader) readLine() ([]byte, error) {
	for {
		line, err := cr.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (cr *ChangesReader) Close() error {
	return cr.body.Close()
}
