package protocol

import "bytes"

// SplitFrames splits a bufio.Scanner's input on the blank line that
// terminates each SSE event, per the WHATWG EventSource framing rules.
// It tolerates both "\n\n" and "\r\n\r\n" delimiters.
func SplitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	if crlf >= 0 && (lf < 0 || crlf < lf) {
		return crlf + 4, data[:crlf], nil
	}
	if lf >= 0 {
		return lf + 2, bytes.TrimRight(data[:lf], "\r"), nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	if atEOF {
		return 0, nil, nil
	}
	return 0, nil, nil
}

// dataLines returns the value of every "data:" line in an SSE frame,
// joined with "\n" per the EventSource multi-line-data rule.
func dataLines(frame []byte) string {
	var buf bytes.Buffer
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		rest, ok := cutPrefix(line, "data:")
		if !ok {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(bytes.TrimPrefix(rest, []byte(" ")))
	}
	return buf.String()
}

// eventName returns the value of the frame's "event:" line, if any.
func eventName(frame []byte) string {
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		rest, ok := cutPrefix(line, "event:")
		if ok {
			return string(bytes.TrimPrefix(rest, []byte(" ")))
		}
	}
	return ""
}

func cutPrefix(line []byte, prefix string) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return nil, false
	}
	return line[len(prefix):], true
}
