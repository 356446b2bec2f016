package runner

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const maxLineBytes = 4 * 1024 * 1024

// scanTextLines splits on \n, \r\n and bare \r. Progress bars redraw with a
// bare carriage return; each redraw is surfaced as its own line.
func scanTextLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if !atEOF {
				// Need one more byte to tell \r from \r\n.
				return 0, nil, nil
			}
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// newLineScanner returns a scanner yielding text lines with undecodable bytes
// replaced by U+FFFD.
func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	sc.Split(scanTextLines)
	return sc
}

func decodeLine(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// ScanLines feeds each text line from r to fn until EOF. On an oversized line
// the remainder of r is drained so the writer never blocks.
func ScanLines(r io.Reader, fn func(string)) error {
	sc := newLineScanner(r)
	for sc.Scan() {
		fn(decodeLine(sc.Bytes()))
	}
	if err := sc.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}
