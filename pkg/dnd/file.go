package dnd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile reads a directory table into a MemDirectory.  The format is one
// identity per line, passwd style:
//
//	uid:name:mailaddr:homeserver:partition:flags
//
// Blank lines and lines starting with # are skipped.  The only recognized
// flag is "privileged".
func LoadFile(path string) (*MemDirectory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	d := NewMemDirectory()
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%v line %v: %w", path, lineNum, err)
		}
		d.Add(e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

func parseLine(line string) (Entry, error) {
	parts := strings.Split(line, ":")
	if len(parts) < 4 {
		return Entry{}, fmt.Errorf("got %v fields, want at least 4", len(parts))
	}
	uid, err := strconv.Atoi(parts[0])
	if err != nil {
		return Entry{}, fmt.Errorf("bad uid %q", parts[0])
	}
	name := strings.TrimSpace(parts[1])
	if name == "" {
		return Entry{}, fmt.Errorf("uid %v has an empty name", uid)
	}
	e := Entry{
		UID:        uid,
		Name:       name,
		MailAddr:   strings.TrimSpace(parts[2]),
		HomeServer: strings.TrimSpace(parts[3]),
	}
	if len(parts) > 4 {
		e.Partition = strings.TrimSpace(parts[4])
	}
	if len(parts) > 5 {
		for _, flag := range strings.Split(parts[5], ",") {
			switch strings.TrimSpace(flag) {
			case "", "none":
			case "privileged":
				e.Privileged = true
			default:
				return Entry{}, fmt.Errorf("uid %v has unknown flag %q", uid, flag)
			}
		}
	}
	return e, nil
}
