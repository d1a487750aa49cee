package crashlog

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// Driver echoes a log, replacing each stack-trace block with its symbolicated frames.
type Driver struct {
	session *Session
	out     *bufio.Writer
}

func NewDriver(session *Session, out io.Writer) *Driver {
	return &Driver{session: session, out: bufio.NewWriter(out)}
}

// Run reads in to the end. Every line outside a block is written out before
// the next line is read, and lines already written stay written when a fatal
// error stops the run. Lines may be of any length.
func (d *Driver) Run(in io.Reader) error {
	lr := newLineReader(in)
	var block []string
	inBlock := false
	index := 0
	for {
		line, err := lr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read log: %w", err)
		}
		if inBlock && strings.HasPrefix(line, strconv.Itoa(index)) {
			block = append(block, line)
			index++
			continue
		}
		if inBlock {
			err := d.flush(block)
			block = block[:0]
			if err != nil {
				return err
			}
		}
		inBlock = false
		index = 0
		if err := d.println(line); err != nil {
			return err
		}
		if line == StackTraceMarker {
			inBlock = true
		}
	}
	if err := d.flush(block); err != nil {
		return err
	}

	stats := d.session.Stats()
	slog.Info("Finished symbolicating log", "blocks", stats.Blocks, "resolved", stats.Resolved, "passthrough", stats.Passthrough, "bases", stats.Bases)
	return nil
}

// flush writes the symbolicated block in one write.
func (d *Driver) flush(block []string) error {
	results, err := d.session.ProcessBlock(block)
	if err != nil {
		return err
	}
	for _, r := range results {
		d.out.WriteString(r.Text)
		d.out.WriteByte('\n')
	}
	return d.sync()
}

func (d *Driver) println(line string) error {
	d.out.WriteString(line)
	d.out.WriteByte('\n')
	return d.sync()
}

func (d *Driver) sync() error {
	if err := d.out.Flush(); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// lineReader splits on "\n", "\r\n" and a lone "\r", without a limit on line length.
type lineReader struct {
	r   *bufio.Reader
	buf []byte
}

func newLineReader(in io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(in)}
}

// next returns the next line without its terminator, or io.EOF once the
// input is exhausted. A final line without a terminator is still returned.
func (l *lineReader) next() (string, error) {
	l.buf = l.buf[:0]
	for {
		b, err := l.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(l.buf) > 0 {
				return string(l.buf), nil
			}
			return "", err
		}
		switch b {
		case '\n':
			return string(l.buf), nil
		case '\r':
			// a "\n" may follow; Peek only blocks if nothing is buffered yet
			if next, err := l.r.Peek(1); err == nil && next[0] == '\n' {
				l.r.ReadByte()
			}
			return string(l.buf), nil
		}
		l.buf = append(l.buf, b)
	}
}
