package target

import (
	"bytes"
	"strings"
)

// sseScanner splits an SSE byte stream into data payloads, holding partial
// lines across feeds. Event-name lines are dropped: every upstream this
// gateway speaks to carries a type discriminator inside the data payload.
type sseScanner struct {
	buf []byte
}

// feed appends raw bytes and returns the data payloads completed by them.
func (s *sseScanner) feed(p []byte) []string {
	s.buf = append(s.buf, p...)

	var payloads []string
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return payloads
		}
		line := strings.TrimSuffix(string(s.buf[:i]), "\r")
		s.buf = s.buf[i+1:]

		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data != "" {
				payloads = append(payloads, data)
			}
		}
	}
}
