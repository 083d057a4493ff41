package lister

import (
	"io"
	"sync"
	"time"
)

// timeLayout is local time with microseconds.
const timeLayout = "2006-01-02 15:04:05.000000"

type line struct {
	diagnostic bool
	text       string
}

// Output serialises lines from all station monitors onto a primary and a
// diagnostic writer. A single goroutine owns both writers.
type Output struct {
	sync.Mutex
	lines  chan line
	closed bool
	done   chan struct{}

	primary    io.Writer
	diagnostic io.Writer
	err        error
}

func NewOutput(primary, diagnostic io.Writer) *Output {
	o := &Output{
		lines:      make(chan line, 1024), // Buffer size can be adjusted as needed
		done:       make(chan struct{}),
		primary:    primary,
		diagnostic: diagnostic,
	}
	go o.run()
	return o
}

// Primary writes an accepted title.
func (o *Output) Primary(t time.Time, text string) error {
	return o.send(line{text: format(t, text)})
}

// Diagnostic writes a filtered title or an anomaly.
func (o *Output) Diagnostic(t time.Time, text string) error {
	return o.send(line{diagnostic: true, text: format(t, text)})
}

func format(t time.Time, text string) string {
	return t.Format(timeLayout) + "\t" + text + "\n"
}

func (o *Output) send(l line) error {
	o.Lock()
	defer o.Unlock()

	if o.closed {
		return io.ErrClosedPipe
	}

	o.lines <- l

	return nil
}

func (o *Output) run() {
	defer close(o.done)

	for l := range o.lines {
		w := o.primary
		if l.diagnostic {
			w = o.diagnostic
		}
		if _, err := io.WriteString(w, l.text); err != nil && o.err == nil {
			o.err = err
		}
	}
}

// Close flushes pending lines and returns the first write error.
func (o *Output) Close() error {
	o.Lock()
	if !o.closed {
		close(o.lines)
		o.closed = true
	}
	o.Unlock()

	<-o.done
	return o.err
}
