package supervisor

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

// maxLineSize bounds a single output line.
const maxLineSize = 1 << 20

var progressPattern = regexp.MustCompile(`(\d+)/(\d+)\s+\[`)

// parseProgress extracts the percentage from a "<cur>/<total> [" marker.
func parseProgress(line string) (int, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	cur, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || total <= 0 {
		return 0, false
	}
	return cur * 100 / total, true
}

// lineSplitter is a bufio.SplitFunc source that ends a line at '\n' or '\r',
// so carriage-return progress bars yield one line per refresh. A line longer
// than max is cut to its first max bytes and the rest is skipped up to the
// next delimiter.
type lineSplitter struct {
	max      int
	skipping bool
}

func newLineSplitter(max int) *lineSplitter {
	return &lineSplitter{max: max}
}

func (l *lineSplitter) split(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	i := bytes.IndexAny(data, "\r\n")
	if l.skipping {
		if i >= 0 {
			l.skipping = false
			return i + 1, nil, nil
		}
		return len(data), nil, nil
	}
	if i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	if len(data) >= l.max {
		l.skipping = true
		return len(data), data[:l.max], nil
	}
	return 0, nil, nil
}

// tail keeps the last n lines written to it.
type tail struct {
	lines []string
	next  int
	full  bool
}

func newTail(n int) *tail {
	return &tail{lines: make([]string, n)}
}

func (t *tail) add(line string) {
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

// String joins the kept lines, oldest first.
func (t *tail) String() string {
	var ordered []string
	if t.full {
		ordered = append(ordered, t.lines[t.next:]...)
	}
	ordered = append(ordered, t.lines[:t.next]...)
	return strings.Join(ordered, "\n")
}
