package process

import (
	"fmt"
	"os"
	"strings"
)

// An OutputMode defines how we emit output from subprocesses.
type OutputMode string

const (
	// Quiet suppresses all output apart from for failed subprocesses.
	Quiet OutputMode = "quiet"
	// GroupImmediate displays output from each process as it completes.
	GroupImmediate OutputMode = "group_immediate"
)

// outputTailLimit is the amount of subprocess output we retain in error messages.
const outputTailLimit = 4096

// OutputTail returns the last portion of a command's captured output, suitable for
// embedding in an error message without replaying the entire log.
func OutputTail(b []byte) string {
	if len(b) > outputTailLimit {
		b = b[len(b)-outputTailLimit:]
	}
	return strings.TrimSpace(string(b))
}

// RunWithOutput runs a subprocess with the given output mechanism.
// The actual running is done via a callback which should return the output and any error;
// in Quiet mode the caller is expected to carry any failure output in the error itself.
func RunWithOutput(mode OutputMode, label string, f func() ([]byte, error)) error {
	switch mode {
	case GroupImmediate:
		out, err := f()
		fmt.Println(label)
		if err == nil {
			os.Stdout.Write(out)
		}
		return err
	default:
		_, err := f()
		return err
	}
}
