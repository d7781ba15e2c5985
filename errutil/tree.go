package errutil

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/xeptore/flaw/v8"
)

// ErrInfo is a snapshot of an error and everything it wraps, suitable for flaw payloads.
type ErrInfo struct {
	Message    string
	TypeName   string
	SyntaxRepr string
	Children   []ErrInfo
}

func (e ErrInfo) FlawP() flaw.P {
	var children []flaw.P
	if len(e.Children) > 0 {
		children = lo.Map(e.Children, func(c ErrInfo, _ int) flaw.P { return c.FlawP() })
	}
	return flaw.P{
		"message":     e.Message,
		"type_name":   e.TypeName,
		"syntax_repr": e.SyntaxRepr,
		"children":    children,
	}
}

// Tree walks err through both single and multi-error Unwrap methods.
func Tree(err error) ErrInfo {
	if nil == err {
		panic("nil error")
	}
	info := ErrInfo{
		Message:    err.Error(),
		TypeName:   fmt.Sprintf("%T", err),
		SyntaxRepr: fmt.Sprintf("%+#v", err),
		Children:   nil,
	}
	for _, inner := range unwrap(err) {
		info.Children = append(info.Children, Tree(inner))
	}
	return info
}

func unwrap(err error) []error {
	//nolint:errorlint
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		return lo.Compact(x.Unwrap())
	case interface{ Unwrap() error }:
		if inner := x.Unwrap(); nil != inner {
			return []error{inner}
		}
	}
	return nil
}
