package log

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"
)

// Flaw attaches err to the event. Flaw errors are expanded into their records, joined errors
// and stack trace; anything else is logged as a plain error.
func Flaw(err error) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		f := new(flaw.Flaw)
		if !errors.As(err, &f) {
			e.Err(err)
			return
		}
		e.
			Dict("error", errorDict(f.Inner, f.InnerType, f.InnerSyntaxRepr)).
			Array("records", flawRecords(f)).
			Array("joined_errors", joinedErrors(f)).
			Array("stack_traces", stackTraces(f))
	}
}

func errorDict(msg, typeName, repr string) *zerolog.Event {
	return zerolog.Dict().Str("message", msg).Str("type_name", typeName).Str("syntax_representation", repr)
}

func flawRecords(f *flaw.Flaw) *zerolog.Array {
	arr := zerolog.Arr()
	for _, r := range f.Records {
		b, err := json.MarshalWithOption(r.Payload, json.UnorderedMap(), json.DisableNormalizeUTF8(), json.DisableHTMLEscape())
		if nil != err {
			payload := zerolog.Dict().Str("error", err.Error()).Str("raw", fmt.Sprintf("%#+v", r.Payload))
			arr.Dict(zerolog.Dict().Str("function", r.Function).Dict("payload", payload))
			continue
		}
		arr.Dict(zerolog.Dict().Str("function", r.Function).RawJSON("payload", b))
	}
	return arr
}

func joinedErrors(f *flaw.Flaw) *zerolog.Array {
	arr := zerolog.Arr()
	for _, j := range f.JoinedErrors {
		d := zerolog.Dict().Dict("error", errorDict(j.Message, j.TypeName, j.SyntaxRepr))
		if st := j.CallerStackTrace; nil != st {
			d.Dict("caller_stack_trace", frame(st.File, st.Line, st.Function))
		}
		arr.Dict(d)
	}
	return arr
}

func stackTraces(f *flaw.Flaw) *zerolog.Array {
	arr := zerolog.Arr()
	for _, st := range f.StackTrace {
		arr.Dict(frame(st.File, st.Line, st.Function))
	}
	return arr
}

func frame(file string, line int, function string) *zerolog.Event {
	return zerolog.Dict().Str("location", fmt.Sprintf("%s:%d", file, line)).Str("function", function)
}
