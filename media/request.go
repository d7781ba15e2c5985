package media

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"
)

// LengthUnset marks a request that reads to the end of the resource.
const LengthUnset int64 = -1

// Request is a byte-range read issued by the playback pipeline. It is a value; the rewrite
// methods return modified copies.
type Request struct {
	Key      string
	URI      string
	Position int64
	Length   int64
}

func NewRequest(key string, position, length int64) Request {
	return Request{Key: key, URI: key, Position: position, Length: length}
}

func (r Request) WithURL(u string) Request {
	r.URI = u
	return r
}

func (r Request) WithRange(offset, length int64) Request {
	r.Position = offset
	r.Length = length
	return r
}

func (r Request) Unbounded() bool {
	return r.Length == LengthUnset
}

// End returns the exclusive end offset, or -1 for unbounded requests.
func (r Request) End() int64 {
	if r.Unbounded() {
		return LengthUnset
	}
	return r.Position + r.Length
}

func (r Request) RangeHeader() string {
	if r.Unbounded() {
		return fmt.Sprintf("bytes=%d-", r.Position)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Position, r.Position+r.Length-1)
}

func (r Request) FlawP() flaw.P {
	return flaw.P{
		"key":      r.Key,
		"uri":      r.URI,
		"position": r.Position,
		"length":   r.Length,
	}
}

func (r Request) Log(e *zerolog.Event) {
	e.
		Str("key", r.Key).
		Int64("position", r.Position).
		Int64("length", r.Length)
}
