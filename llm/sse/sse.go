// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package sse implements an incremental, chunk-boundary-safe Server-Sent
// Events parser used by the OpenAI-wire streaming adapters (openai,
// ollama). The anthropic adapter reads its SSE lines with its own
// scanner, and the gemini and bedrock streams are not SSE.
package sse

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Event is one parsed SSE event, ready for a provider-specific mapper.
type Event struct {
	Event string
	Data  string
	ID    string
	Retry string
}

// ErrParse is returned when the buffered input is malformed (invalid
// UTF-8) or left unterminated with partial data at EOF.
var ErrParse = errors.New("sse: parse error")

// Parser buffers bytes across read boundaries and emits complete
// events as soon as a blank line terminates them.
type Parser struct {
	buf        strings.Builder
	eventField string
	dataLines  []string
	idField    string
	retryField string
}

// NewParser returns an empty parser ready to accept written bytes.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends newly received bytes and returns any complete events
// they produced. Partial events remain buffered for the next call.
func (p *Parser) Feed(chunk []byte) ([]Event, error) {
	p.buf.Write(chunk)
	data := p.buf.String()
	// A multi-byte rune split across feeds stays incomplete at the end
	// of the buffer until the next call; only the rest must be valid.
	end := len(data)
	for i := end - 1; i >= 0 && i > end-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRuneInString(data[i:]) {
				end = i
			}
			break
		}
	}
	if !utf8.ValidString(data[:end]) {
		return nil, ErrParse
	}
	return p.drain(false)
}

// Close signals upstream EOF. Any fully-buffered-but-unterminated
// event (no trailing blank line) is treated as an error; a clean
// empty buffer is not.
func (p *Parser) Close() ([]Event, error) {
	events, err := p.drain(true)
	if err != nil {
		return events, err
	}
	if strings.TrimSpace(p.buf.String()) != "" || len(p.dataLines) > 0 {
		return events, ErrParse
	}
	return events, nil
}

func (p *Parser) drain(final bool) ([]Event, error) {
	var events []Event
	raw := p.buf.String()
	p.buf.Reset()

	// strings.Split on "\n" always yields len(newlines)+1 parts; the
	// last part is whatever follows the final newline (empty if raw
	// ended exactly on one). It was never itself newline-terminated,
	// so it is never a complete line — buffer it regardless of
	// whether this is the final drain, so a Feed call that happens to
	// land right after a single mid-record "\n" doesn't get mistaken
	// for the blank line that terminates an event.
	lines := strings.Split(raw, "\n")
	pending := lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			if ev, ok := p.flush(); ok {
				events = append(events, ev)
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment
		}
		field, value := splitField(line)
		switch field {
		case "event":
			p.eventField = value
		case "data":
			p.dataLines = append(p.dataLines, value)
		case "id":
			p.idField = value
		case "retry":
			p.retryField = value
		}
	}

	p.buf.WriteString(pending)
	return events, nil
}

func (p *Parser) flush() (Event, bool) {
	if p.eventField == "" && len(p.dataLines) == 0 && p.idField == "" && p.retryField == "" {
		return Event{}, false
	}
	ev := Event{
		Event: p.eventField,
		Data:  strings.Join(p.dataLines, "\n"),
		ID:    p.idField,
		Retry: p.retryField,
	}
	p.eventField = ""
	p.dataLines = nil
	p.idField = ""
	p.retryField = ""
	return ev, true
}

// IsDone reports whether data is the provider-standard stream
// sentinel, e.g. OpenAI/Ollama's "[DONE]".
func IsDone(data string) bool {
	return strings.TrimSpace(data) == "[DONE]"
}

func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}
