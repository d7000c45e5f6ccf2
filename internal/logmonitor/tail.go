package logmonitor

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// TimeParser extracts a line timestamp from a fixed column range.
type TimeParser struct {
	Layout   string
	Start    int
	End      int
	Location *time.Location
}

// Parse returns the timestamp of line, or false if the columns do not hold one.
func (p TimeParser) Parse(line string) (time.Time, bool) {
	if p.Layout == "" || p.Start < 0 || p.End <= p.Start || len(line) < p.End {
		return time.Time{}, false
	}
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(p.Layout, line[p.Start:p.End], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Newest returns the latest parseable timestamp in lines
func (p TimeParser) Newest(lines []string) (time.Time, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		if t, ok := p.Parse(lines[i]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// maxLineBytes caps how much of a single line is kept. Longer lines are cut
// at a rune boundary rather than failing the read.
const maxLineBytes = 64 * 1024

// ExtractTail drops every line before the first one stamped after since and
// returns the rest verbatim, including later lines without a timestamp.
func ExtractTail(r io.Reader, p TimeParser, since time.Time) ([]string, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		out     []string
		started bool
	)
	for {
		line, err := readLine(br)
		if err != nil && err != io.EOF {
			return out, err
		}
		if line != "" || err == nil {
			if !started {
				if t, ok := p.Parse(line); ok && t.After(since) {
					started = true
				}
			}
			if started {
				out = append(out, line)
			}
		}
		if err == io.EOF {
			return out, nil
		}
	}
}

// readLine returns the next line without its terminator, keeping at most
// maxLineBytes of it. io.EOF comes with the final unterminated line.
func readLine(br *bufio.Reader) (string, error) {
	var (
		buf       []byte
		truncated bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if !truncated {
			if room := maxLineBytes - len(buf); len(chunk) > room {
				buf = append(buf, chunk[:room]...)
				truncated = true
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if truncated {
			buf = trimPartialRune(buf)
		}
		line := strings.TrimRight(string(buf), "\r\n")
		return line, err
	}
}

func trimPartialRune(b []byte) []byte {
	for i := len(b); i > 0 && len(b)-i < utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i-1]) {
			if !utf8.FullRune(b[i-1:]) {
				return b[:i-1]
			}
			return b
		}
	}
	return b
}

// ReadTail applies ExtractTail to path. A missing file, or one not modified
// today, yields an empty tail.
func ReadTail(path string, p TimeParser, since, now time.Time) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !sameDay(info.ModTime(), now) {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return ExtractTail(f, p, since)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}
