package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/Laisky/errors/v2"
)

// ConsoleApprover implements Approver against the process's terminal:
// each pending request prints a one-line prompt and waits for the
// operator to answer. Prompts are serialized through a mutex so two
// concurrent requests never interleave their reads of the same stdin.
type ConsoleApprover struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewConsoleApprover prompts on stderr and reads answers from stdin.
func NewConsoleApprover() *ConsoleApprover {
	return &ConsoleApprover{in: bufio.NewReader(os.Stdin), out: os.Stderr}
}

// newConsoleApproverFrom exists for tests that substitute fixed readers.
func newConsoleApproverFrom(in io.Reader, out io.Writer) *ConsoleApprover {
	return &ConsoleApprover{in: bufio.NewReader(in), out: out}
}

// Approve blocks until the operator answers. Anything other than an
// explicit yes rejects.
func (a *ConsoleApprover) Approve(ctx context.Context, model string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	fmt.Fprintf(a.out, "approve request for %s? [y/N] ", model)
	line, err := a.in.ReadString('\n')
	if err != nil && line == "" {
		return errors.Wrap(err, "read approval answer")
	}
	switch strings.TrimSpace(strings.ToLower(line)) {
	case "y", "yes":
		return nil
	default:
		return errors.New("rejected by operator")
	}
}
