package sandbox

import (
	"strings"
	"sync"
)

// Stream is a single-use, forward-only sequence of output lines from one
// streamed execution. The channel closes when the underlying process
// completes; closing the stream early kills the process.
type Stream struct {
	lines <-chan string
	stop  func()
	once  sync.Once
}

// Lines returns the channel of output lines. Each received string is one
// line without its trailing newline.
func (s *Stream) Lines() <-chan string { return s.lines }

// Collect drains the stream and returns every remaining line.
func (s *Stream) Collect() []string {
	var out []string
	for line := range s.lines {
		out = append(out, line)
	}
	return out
}

// Close abandons the stream. If the execution is still running it is killed.
// Close is safe to call more than once.
func (s *Stream) Close() error {
	s.once.Do(s.stop)
	return nil
}

// lineSplitter assembles stream chunks into complete lines.
type lineSplitter struct {
	partial string
}

// feed appends data and returns the complete lines it closed off.
func (ls *lineSplitter) feed(data string) []string {
	ls.partial += data
	var lines []string
	for {
		i := strings.IndexByte(ls.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, ls.partial[:i])
		ls.partial = ls.partial[i+1:]
	}
	return lines
}

// flush returns the trailing partial line, if any.
func (ls *lineSplitter) flush() (string, bool) {
	if ls.partial == "" {
		return "", false
	}
	line := ls.partial
	ls.partial = ""
	return line, true
}
