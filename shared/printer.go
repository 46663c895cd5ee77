package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.WriteCloser
}

func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return wc.w.Write([]byte(s))
}

func (wc *WriteCloser) Close() error {
	return wc.w.Close()
}

// Printer writes indented, multi-line text to every hook. A pending line
// written with Overwrite stays open and is replaced by the next Overwrite
// until a regular write commits it.
type Printer struct {
	mu      sync.Mutex
	indStr  string
	hooks   []StringWriteCloser
	pending bool
}

func NewPrinter(indentString string, hooks ...StringWriteCloser) (*Printer, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Printer{indStr: indentString, hooks: hooks}, nil
}

func (p *Printer) Write(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.commit(); err != nil {
		return err
	}
	return p.emit(p.indent(s, ind))
}

func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.commit(); err != nil {
		return err
	}
	return p.emit(p.indent(s, ind) + "\n")
}

// Overwrite replaces the pending line. Only the first line of s is used.
func (p *Printer) Overwrite(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	line, _, _ := strings.Cut(s, "\n")
	p.pending = true
	return p.emit("\r\033[2K" + strings.Repeat(p.indStr, ind) + line)
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.commit(); err != nil {
		return err
	}
	for _, hook := range p.hooks {
		if err := hook.Close(); err != nil {
			return fmt.Errorf("on closing hook: %w", err)
		}
	}
	return nil
}

func (p *Printer) commit() error {
	if !p.pending {
		return nil
	}
	p.pending = false
	return p.emit("\n")
}

func (p *Printer) indent(s string, ind int) string {
	indent := strings.Repeat(p.indStr, ind)
	var b strings.Builder
	first := true
	for line := range strings.SplitSeq(s, "\n") {
		if !first {
			b.WriteString("\n")
		}
		first = false
		b.WriteString(indent)
		b.WriteString(line)
	}
	return b.String()
}

func (p *Printer) emit(s string) error {
	for _, hook := range p.hooks {
		if _, err := hook.WriteString(s); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}
