package ports

import (
	"context"
	"io"
	"time"
)

// Process is a running worker child.
type Process interface {
	// Output is the line-buffered message stream of the child.
	Output() io.Reader
	// Wait blocks until the child exits.
	Wait() error
	// Terminate asks the child to exit and kills it after grace.
	Terminate(grace time.Duration) error
	Pid() int
}

type Launcher interface {
	Launch(ctx context.Context, interval time.Duration) (Process, error)
}
