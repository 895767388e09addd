// Package labels maps classifier output indices to class names.
package labels

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrOutOfRange means an index has no entry in the set. It signals a label
// set that does not match the model, not a runtime condition.
var ErrOutOfRange = errors.New("label index out of range")

// Set is an ordered label list; position i names output class i.
type Set []string

// FromList builds a set from literal names.
func FromList(names []string) (Set, error) {
	set := make(Set, 0, len(names))
	for i, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, fmt.Errorf("label %d is empty", i)
		}
		set = append(set, n)
	}
	if len(set) == 0 {
		return nil, errors.New("label set is empty")
	}
	return set, nil
}

// Load reads a newline-delimited label file.
func Load(path string) (Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels: %w", err)
	}
	defer f.Close()

	set, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse labels %s: %w", path, err)
	}
	return set, nil
}

// Parse reads one label per line. Blank lines are skipped. Exported label
// files often prefix each line with its ordinal ("0 blimbing"); the prefix is
// stripped only when it matches the line's position.
func Parse(r io.Reader) (Set, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if idx, rest, ok := strings.Cut(line, " "); ok {
			if n, err := strconv.Atoi(idx); err == nil && n == len(names) {
				line = strings.TrimSpace(rest)
			}
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return FromList(names)
}

func (s Set) Len() int {
	return len(s)
}

func (s Set) Lookup(i int) (string, error) {
	if i < 0 || i >= len(s) {
		return "", fmt.Errorf("%w: index %d, %d labels", ErrOutOfRange, i, len(s))
	}
	return s[i], nil
}
