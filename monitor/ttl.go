package monitor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
)

// RunTimeEndedMessage is printed when the time-to-live cap stops the debuggee
const RunTimeEndedMessage = "Run time ended, let us leave now, nothing else to see here"

var ttlCheckInterval = time.Second

// Stopper is the part of the engine the time-to-live guard needs
type Stopper interface {
	Stop(ctx context.Context) error
}

// RunWithCap checks the elapsed time once per second and asks the debuggee to stop once ttl passed.
// It returns early without stopping anything when ctx is cancelled. ttl <= 0 means no cap.
func RunWithCap(ctx context.Context, proc Stopper, ttl time.Duration, console io.Writer, log logr.Logger) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	start := time.Now()
	err := wait.PollUntilContextCancel(ctx, ttlCheckInterval, false, func(context.Context) (bool, error) {
		return time.Since(start) >= ttl, nil
	})
	if err != nil {
		return false, nil
	}

	fmt.Fprintln(console, RunTimeEndedMessage)
	log.Info("Time to live reached, stopping debuggee", "ttl", ttl.String())
	if err := proc.Stop(ctx); err != nil {
		return true, fmt.Errorf("failed to stop debuggee: %w", err)
	}
	return true, nil
}
