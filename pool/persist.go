// Copyright (c) 2024 The minipos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// The durable address list is a small line-oriented file rewritten in full
// on every pool mutation.  A full rewrite is wasteful at large address
// counts but trivially correct at point-of-sale scale, where the list holds
// at most a few dozen entries.
//
//	nextindex 12
//	free <address> [index]
//	retired <address> [index]

// loadList restores pool state from the durable list.  It returns false if
// the file does not exist, in which case the caller seeds from
// configuration.
func (p *Pool) loadList() (bool, error) {
	if p.cfg.ListPath == "" {
		return false, nil
	}
	f, err := os.Open(p.cfg.ListPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opening address list: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "nextindex":
			if len(fields) != 2 {
				return false, listError(p.cfg.ListPath, lineno)
			}
			n, err := strconv.ParseUint(fields[1], 10, 32)
			if err != nil {
				return false, listError(p.cfg.ListPath, lineno)
			}
			p.nextIndex = uint32(n)

		case "free", "retired":
			entry, err := parseEntry(fields)
			if err != nil {
				return false, listError(p.cfg.ListPath, lineno)
			}
			if fields[0] == "free" {
				p.free = append(p.free, entry)
			} else {
				p.retired = append(p.retired, entry)
			}

		default:
			return false, listError(p.cfg.ListPath, lineno)
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading address list: %v", err)
	}
	return true, nil
}

func parseEntry(fields []string) (Entry, error) {
	switch len(fields) {
	case 2:
		return Entry{Address: fields[1]}, nil
	case 3:
		n, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Address: fields[1], Index: uint32(n), Derived: true}, nil
	}
	return Entry{}, fmt.Errorf("want 2 or 3 fields, got %d", len(fields))
}

func listError(path string, lineno int) error {
	return fmt.Errorf("malformed address list %s:%d", path, lineno)
}

// writeListLocked rewrites the durable list atomically via a temporary file
// and rename.  Must be called with the pool mutex held.
func (p *Pool) writeListLocked() error {
	if p.cfg.ListPath == "" {
		return nil
	}

	tmp := p.cfg.ListPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("writing address list: %v", err)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "nextindex %d\n", p.nextIndex)
	for _, entry := range p.free {
		writeEntry(w, "free", entry)
	}
	for _, entry := range p.retired {
		writeEntry(w, "retired", entry)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing address list: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing address list: %v", err)
	}
	if err := os.Rename(tmp, p.cfg.ListPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing address list: %v", err)
	}
	return nil
}

func writeEntry(w *bufio.Writer, kind string, entry Entry) {
	if entry.Derived {
		fmt.Fprintf(w, "%s %s %d\n", kind, entry.Address, entry.Index)
	} else {
		fmt.Fprintf(w, "%s %s\n", kind, entry.Address)
	}
}
