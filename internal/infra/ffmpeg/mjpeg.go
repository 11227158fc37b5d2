package ffmpeg

import "bytes"

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// splitJPEG is a bufio.SplitFunc that tokenizes an MJPEG byte stream into
// individual JPEG images, delimited by the SOI/EOI markers. Bytes between
// images (padding, truncated tails) are discarded. An EOI byte pair can in
// principle occur inside entropy-coded data; a segment cut short by that is
// simply an undecodable token, which the caller treats as a rejected frame.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Hold back one byte in case a marker straddles the read boundary.
		if len(data) > 0 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}
