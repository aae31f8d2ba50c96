package stream

import (
	"bufio"
	"io"
)

// LineReader yields the upstream body line by line. Unlike
// bufio.Scanner it surfaces a final unterminated line before EOF and
// lets the caller tell a clean end of stream from a transport failure.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader wraps an upstream response body. The buffer is sized
// for worst-case upstream records, which can carry whole agent outputs
// on a single line.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next line with the trailing newline stripped. A
// final line without a terminator is returned with a nil error; the
// following call reports io.EOF. Any other error is a transport
// failure on the upstream connection.
func (lr *LineReader) Next() (string, error) {
	line, err := lr.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return trimLineEnding(line), nil
		}
		return "", err
	}
	return trimLineEnding(line), nil
}

func trimLineEnding(line string) string {
	for len(line) > 0 {
		last := line[len(line)-1]
		if last != '\n' && last != '\r' {
			break
		}
		line = line[:len(line)-1]
	}
	return line
}
