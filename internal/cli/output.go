package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/gookit/color"
)

var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

// ui writes user-facing progress lines. Scheduler hooks call it from worker
// goroutines, so every write holds mu.
type ui struct {
	mu    sync.Mutex
	out   io.Writer
	err   io.Writer
	debug bool
}

func (u *ui) arrow(style interface{ Sprintf(string, ...any) string }, format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprint(u.out, colArrow.Sprint("-> "))
	fmt.Fprintln(u.out, style.Sprintf(format, args...))
}

func (u *ui) successf(format string, args ...any) { u.arrow(colSuccess, format, args...) }
func (u *ui) infof(format string, args ...any)    { u.arrow(colInfo, format, args...) }
func (u *ui) warnf(format string, args ...any)    { u.arrow(colWarn, format, args...) }

func (u *ui) errorf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprint(u.err, colArrow.Sprint("-> "))
	fmt.Fprintln(u.err, colError.Sprintf(format, args...))
}

func (u *ui) debugf(format string, args ...any) {
	if !u.debug {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.err, format, args...)
}

func (u *ui) println(args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintln(u.out, args...)
}

func (u *ui) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format, args...)
}
