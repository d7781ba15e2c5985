package must

import (
	"errors"
	"fmt"

	"github.com/xeptore/flaw/v8"
)

// BeFlaw returns the *flaw.Flaw in err's chain. Callers reach it only after errutil.IsFlaw.
func BeFlaw(err error) *flaw.Flaw {
	f := new(flaw.Flaw)
	if !errors.As(err, &f) {
		panic(fmt.Sprintf("no *flaw.Flaw in chain of %T: %v", err, err))
	}
	return f
}
