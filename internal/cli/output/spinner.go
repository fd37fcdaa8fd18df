package output

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const spinInterval = 120 * time.Millisecond

var spinFrames = []string{"|", "/", "-", `\`}

// Spinner shows that a dial is in progress. It animates only when w is a
// terminal; otherwise it prints the message once.
type Spinner struct {
	w       io.Writer
	message string
	animate bool
	started bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSpinner returns a stopped spinner.
func NewSpinner(w io.Writer, message string) *Spinner {
	return &Spinner{
		w:       w,
		message: message,
		animate: isTerminal(w),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins drawing. Call Success or Fail exactly once afterwards.
func (s *Spinner) Start() {
	s.started = true
	if !s.animate {
		fmt.Fprintf(s.w, "%s...\n", s.message)
		close(s.done)
		return
	}
	go func() {
		defer close(s.done)
		tick := time.NewTicker(spinInterval)
		defer tick.Stop()
		for i := 0; ; i++ {
			fmt.Fprintf(s.w, "\r%s %s", spinFrames[i%len(spinFrames)], s.message)
			select {
			case <-s.stop:
				return
			case <-tick.C:
			}
		}
	}()
}

// Success stops the spinner and prints message as done.
func (s *Spinner) Success(message string) {
	s.finish("ok", message)
}

// Fail stops the spinner and prints message as failed.
func (s *Spinner) Fail(message string) {
	s.finish("failed", message)
}

func (s *Spinner) finish(status, message string) {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.started {
			<-s.done
		}
		if s.animate {
			fmt.Fprint(s.w, "\r\033[K")
		}
		fmt.Fprintf(s.w, "%s: %s\n", status, message)
	})
}
