package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EncodeLine serializes an event as a single self-describing JSON line.
// Lines are independently parseable so tail readers can resume from any
// line boundary.
func EncodeLine(e *Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.EventID, err)
	}
	return append(data, '\n'), nil
}

// DecodeLine parses a single log line back into an event. Numbers decode
// as json.Number so integer payload fields survive the round trip.
func DecodeLine(line []byte) (*Event, error) {
	var e Event
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("decode event line: %w", err)
	}
	if e.EventID == "" || e.SessionID == "" || e.Type == "" {
		return nil, fmt.Errorf("decode event line: incomplete envelope")
	}
	return &e, nil
}

// ScanLog reads events from a log stream, one per line. A truncated last
// line is discarded; the returned offset is the byte position just past
// the last complete record, suitable for truncating a damaged log.
func ScanLog(r io.Reader, fn func(*Event) error) (int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var offset int64
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			// No trailing newline: partial record, discard.
			return offset, nil
		}
		if err != nil {
			return offset, err
		}
		ev, decErr := DecodeLine(line)
		if decErr != nil {
			// A corrupt interior line ends the usable region.
			return offset, nil
		}
		if fn != nil {
			if err := fn(ev); err != nil {
				return offset, err
			}
		}
		offset += int64(len(line))
	}
}
