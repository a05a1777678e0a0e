package main

import (
	"fmt"
	"io"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// progressPrinter shows a single-line countdown while a scan is running.
// It is single-use: Start at most once, Stop exactly once. Stop is safe to
// call before Start and more than once.
type progressPrinter struct {
	w        io.Writer
	prefix   string
	duration time.Duration
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

func newProgressPrinter(w io.Writer, prefix string, duration time.Duration) *progressPrinter {
	return &progressPrinter{
		w:        w,
		prefix:   prefix,
		duration: duration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *progressPrinter) Start() {
	if p.started {
		return
	}
	p.started = true
	startedAt := time.Now()
	fmt.Fprintf(p.w, "\r%s...   ", p.prefix)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				remaining := p.duration - time.Since(startedAt)
				if remaining < 0 {
					remaining = 0
				}
				// Round to the nearest whole second for display.
				fmt.Fprintf(p.w, "\r%s (%ds)   ", p.prefix, int(remaining.Seconds()+0.5))
			}
		}
	}()
}

func (p *progressPrinter) Stop() {
	select {
	case <-p.stop:
		return // already stopped
	default:
	}
	close(p.stop)
	if p.started {
		<-p.done
		fmt.Fprint(p.w, clearLineSequence)
	}
}
