package errutil

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/xeptore/flaw/v8"
	"gopkg.in/yaml.v3"
)

// HTTPResponseFlawPayload describes res for a flaw record. The request URL is included without
// its query, since signed stream URLs carry credentials there.
func HTTPResponseFlawPayload(res *http.Response) flaw.P {
	headers := make(flaw.P, len(res.Header))
	for k, v := range res.Header {
		headers[k] = v
	}
	out := flaw.P{
		"status":         res.Status,
		"status_code":    res.StatusCode,
		"content_length": res.ContentLength,
		"proto":          res.Proto,
		"headers":        headers,
	}
	if req := res.Request; nil != req && nil != req.URL {
		out["request"] = flaw.P{
			"method": req.Method,
			"host":   req.URL.Host,
			"path":   req.URL.Path,
		}
	}
	return out
}

type yamlFlaw struct {
	Inner        string          `yaml:"inner"`
	Records      []yamlRecord    `yaml:"records"`
	JoinedErrors []yamlJoined    `yaml:"joined_errors"`
	StackTrace   []yamlStackItem `yaml:"stack_trace"`
}

type yamlRecord struct {
	Function string         `yaml:"function"`
	Payload  map[string]any `yaml:"payload"`
}

type yamlJoined struct {
	Message string         `yaml:"message"`
	Caller  *yamlStackItem `yaml:"caller_stack_trace,omitempty"`
}

type yamlStackItem struct {
	Location string `yaml:"location"`
	Function string `yaml:"function"`
}

// FlawToYAML renders f for humans, used when the CLI exits on a flaw.
func FlawToYAML(f *flaw.Flaw) ([]byte, error) {
	out := yamlFlaw{
		Inner:        f.Inner,
		Records:      make([]yamlRecord, 0, len(f.Records)),
		JoinedErrors: make([]yamlJoined, 0, len(f.JoinedErrors)),
		StackTrace:   make([]yamlStackItem, 0, len(f.StackTrace)),
	}
	for _, r := range f.Records {
		out.Records = append(out.Records, yamlRecord{Function: r.Function, Payload: r.Payload})
	}
	for _, j := range f.JoinedErrors {
		item := yamlJoined{Message: j.Message, Caller: nil}
		if st := j.CallerStackTrace; nil != st {
			item.Caller = &yamlStackItem{Location: fmt.Sprintf("%s:%d", st.File, st.Line), Function: st.Function}
		}
		out.JoinedErrors = append(out.JoinedErrors, item)
	}
	for _, st := range f.StackTrace {
		out.StackTrace = append(out.StackTrace, yamlStackItem{Location: fmt.Sprintf("%s:%d", st.File, st.Line), Function: st.Function})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(out); nil != err {
		flawP := flaw.P{"err_debug_tree": Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to encode flaw to yaml: %v", err)).Append(flawP)
	}
	return buf.Bytes(), nil
}

func IsFlaw(err error) bool {
	f := new(flaw.Flaw)
	return errors.As(err, &f)
}
