package upstream

import (
	"bytes"
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// Format is the wire shape of a streaming generation reply.
type Format string

const (
	// FormatNDJSON is one JSON object per line with "response" and "done".
	FormatNDJSON Format = "ndjson"
	// FormatSSE is "data:" lines carrying chat completion chunks, ended by "data: [DONE]".
	FormatSSE Format = "sse"
)

// Event is one decoded step of a stream. Text is the accumulated output up to
// and including Delta.
type Event struct {
	Delta string
	Text  string
	Done  bool
}

// Decoder turns raw transport chunks into events. Bytes after the last
// newline are held back until the next Feed or Flush, so a chunk boundary
// falling mid-line never drops or duplicates output.
type Decoder struct {
	format  Format
	pending []byte
	text    strings.Builder
	done    bool
	skipped int
}

func NewDecoder(format Format) *Decoder {
	return &Decoder{format: format, pending: make([]byte, 0, 1024)}
}

func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done || len(chunk) == 0 {
		return nil
	}
	d.pending = append(d.pending, chunk...)
	var out []Event
	for !d.done {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := d.pending[:idx]
		d.pending = d.pending[idx+1:]
		if ev, ok := d.decodeLine(line); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Flush decodes a trailing line that was not newline terminated.
func (d *Decoder) Flush() []Event {
	if d.done || len(d.pending) == 0 {
		return nil
	}
	line := d.pending
	d.pending = nil
	if ev, ok := d.decodeLine(line); ok {
		return []Event{ev}
	}
	return nil
}

func (d *Decoder) Text() string {
	return d.text.String()
}

func (d *Decoder) Done() bool {
	return d.done
}

// Skipped counts malformed lines dropped so far.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) decodeLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	var delta string
	var done bool
	switch d.format {
	case FormatSSE:
		if !bytes.HasPrefix(line, []byte("data:")) {
			return Event{}, false
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if string(data) == "[DONE]" {
			done = true
			break
		}
		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			d.skipped++
			return Event{}, false
		}
		if len(chunk.Choices) == 0 {
			return Event{}, false
		}
		delta = chunk.Choices[0].Delta.Content
	default:
		if !gjson.ValidBytes(line) {
			d.skipped++
			return Event{}, false
		}
		r := gjson.ParseBytes(line)
		if resp := r.Get("response"); resp.Exists() {
			delta = resp.String()
		} else {
			delta = r.Get("message.content").String()
		}
		done = r.Get("done").Bool()
	}
	if delta == "" && !done {
		return Event{}, false
	}
	d.text.WriteString(delta)
	if done {
		d.done = true
		d.pending = nil
	}
	return Event{Delta: delta, Text: d.text.String(), Done: done}, true
}
