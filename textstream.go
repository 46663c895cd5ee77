package voicechat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// streamEndMarker terminates a text stream, either as a data payload or as
// an event name.
const streamEndMarker = "[DONE]"

type sseFrame struct {
	Event string
	Data  []byte
}

type sseParser struct {
	reader *bufio.Reader
}

func newSSEParser(r io.Reader) *sseParser {
	return &sseParser{reader: bufio.NewReader(r)}
}

// Next returns the next dispatched frame. Comment lines and blank
// separators are skipped. io.EOF ends the stream.
func (p *sseParser) Next() (sseFrame, error) {
	var (
		event string
		data  []string
	)
	flush := func() (sseFrame, bool) {
		if len(data) == 0 && event == "" {
			return sseFrame{}, false
		}
		return sseFrame{Event: event, Data: []byte(strings.Join(data, "\n"))}, true
	}
	for {
		line, err := p.reader.ReadString('\n')
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return sseFrame{}, err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		switch {
		case line == "":
			if f, ok := flush(); ok {
				return f, nil
			}
		case strings.HasPrefix(line, ":"):
		default:
			field, value := splitSSEField(line)
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, value)
			}
		}
		if eof {
			if f, ok := flush(); ok {
				return f, nil
			}
			return sseFrame{}, io.EOF
		}
	}
}

func splitSSEField(line string) (field, value string) {
	field, value, ok := strings.Cut(line, ":")
	if !ok {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}

func isEndFrame(f sseFrame) bool {
	return f.Event == "end" || f.Event == "close" || strings.TrimSpace(string(f.Data)) == streamEndMarker
}

// textStream is the long-lived GET that carries subtitle payloads.
type textStream struct {
	body   io.ReadCloser
	parser *sseParser
}

func openTextStream(ctx context.Context, client *http.Client, base *url.URL, webrtcID string) (*textStream, error) {
	u := base.JoinPath("/webrtc/text-stream")
	q := u.Query()
	q.Set("webrtc_id", webrtcID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building text stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening text stream: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("opening text stream: unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}
	return &textStream{body: resp.Body, parser: newSSEParser(resp.Body)}, nil
}

// Next returns the next payload. The end marker is reported as io.EOF.
func (s *textStream) Next() ([]byte, error) {
	for {
		f, err := s.parser.Next()
		if err != nil {
			return nil, err
		}
		if isEndFrame(f) {
			return nil, io.EOF
		}
		if len(f.Data) == 0 {
			continue
		}
		return f.Data, nil
	}
}

func (s *textStream) Close() error {
	return s.body.Close()
}
