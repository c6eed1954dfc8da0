package llm

import (
	"bufio"
	"bytes"
	"io"
)

// maxSSELine caps a single SSE line (1MB).
const maxSSELine = 1024 * 1024

// sseReader parses Server-Sent Events from a stream.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseReader{scanner: s}
}

// next reads the next event. Returns io.EOF when the stream ends.
// Comment lines and id/retry fields are ignored.
func (s *sseReader) next() (event string, data []byte, err error) {
	var dataLines [][]byte

	for s.scanner.Scan() {
		line := bytes.TrimRight(s.scanner.Bytes(), "\r")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return event, bytes.Join(dataLines, []byte("\n")), nil
			}
			event = ""
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			d := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			dataLines = append(dataLines, append([]byte(nil), d...))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return "", nil, err
	}
	if len(dataLines) > 0 {
		return event, bytes.Join(dataLines, []byte("\n")), nil
	}
	return "", nil, io.EOF
}
