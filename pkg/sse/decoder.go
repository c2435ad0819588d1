package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// frame is one dispatched block of the text/event-stream format
type frame struct {
	name string
	data string
	id   string
}

// decoder reads text/event-stream frames. Lines may end in "\n" or "\r\n".
type decoder struct {
	r      *bufio.Reader
	lastID string
	retry  int // server-advertised reconnection time in ms, informational only
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: bufio.NewReaderSize(r, 32*1024)}
}

// next blocks until a complete frame has been read. A frame without data
// lines is not dispatched. An unterminated frame at EOF is discarded.
func (d *decoder) next() (frame, error) {
	var (
		f       frame
		data    strings.Builder
		hasData bool
	)

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			// Partial trailing line without a blank terminator is dropped
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasData {
				f = frame{}
				continue
			}
			f.data = data.String()
			f.id = d.lastID
			if f.name == "" {
				f.name = DefaultEventName
			}
			return f, nil
		}

		// Comment
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			f.name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				d.lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				d.retry = ms
			}
		}
	}
}
