package log

import (
	"bytes"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// panicFrameLines is the number of leading stack lines belonging to debug.Stack, this function
// and the deferred recover.
const panicFrameLines = 9

// Panic attaches a recovered value and the stack of the panicking goroutine to the event.
func Panic(recovered any) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		lines := bytes.Split(debug.Stack(), []byte("\n"))
		if len(lines) > panicFrameLines {
			lines = lines[panicFrameLines:]
		}
		e.Dict(
			"panic",
			zerolog.Dict().
				Any("content", recovered).
				Str("type_name", fmt.Sprintf("%T", recovered)).
				Bytes("stack_traces", bytes.Join(lines, []byte("\n"))),
		)
	}
}
