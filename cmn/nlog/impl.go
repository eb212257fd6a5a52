/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	toStderr     bool
	alsoToStderr bool

	logDir string
	aisrole string
	title   string

	host string
	pid  int

	nlogs [sevErr + 1]*nlog

	onceInitFiles sync.Once

	redactFnames = map[string]struct{}{}

	pool sync.Pool
)

var sevText = [...]string{sevInfo: "INFO", sevWarn: "WARNING", sevErr: "ERROR"}

func init() {
	host, _ = os.Hostname()
	pid = os.Getpid()
}

func sname() string {
	if aisrole == "" {
		return "margo"
	}
	return "margo." + aisrole
}

func initFiles() {
	for _, sev := range []severity{sevInfo, sevErr} {
		nlogs[sev] = newNlog(sev)
	}
	if toStderr || logDir == "" {
		return
	}
	for _, sev := range []severity{sevInfo, sevErr} {
		f, _, err := fcreate(sevText[sev], time.Now())
		if err != nil {
			toStderr = true
			return
		}
		nlogs[sev].file = f
	}
}

// fcreate opens a fresh log file for the given severity tag under logDir,
// following the "<name>.<host>.<tag>.<timestamp>.<pid>" naming convention.
func fcreate(tag string, now time.Time) (*os.File, string, error) {
	if logDir == "" {
		return nil, "", fmt.Errorf("nlog: log directory not set")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, "", err
	}
	name, link := logfname(tag, now)
	full := logDir + string(os.PathSeparator) + name
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", err
	}
	linkPath := logDir + string(os.PathSeparator) + link
	os.Remove(linkPath)
	os.Symlink(name, linkPath)
	return f, full, nil
}

func assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprint("nlog: assertion failed", fmt.Sprint(args...)))
	}
}
