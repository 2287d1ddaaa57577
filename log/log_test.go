// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package log

import (
	"fmt"
	"strings"
	"testing"
)

type recorder struct {
	lines []string
}

func (r *recorder) Output(calldepth int, s string) error {
	r.lines = append(r.lines, s)
	return nil
}

func TestLevels(t *testing.T) {
	out := new(recorder)
	l := New(out, InfoLevel)
	l.Error("error")
	l.Warn("warn")
	l.Print("info")
	l.Debug("debug")
	if got, want := fmt.Sprint(out.lines), "[error warn info]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if l.At(DebugLevel) {
		t.Error("logger should not be at debug level")
	}
	if !l.At(WarnLevel) {
		t.Error("logger should be at warn level")
	}
}

func TestNil(t *testing.T) {
	var l *Logger
	// Nil loggers drop everything without panicking.
	l.Errorf("error %d", 1)
	l.Warnf("warn %d", 2)
	l.Printf("info %d", 3)
	l.Debugf("debug %d", 4)
	if l.At(ErrorLevel) {
		t.Error("nil logger is never at any level")
	}
	if New(nil, OffLevel) != nil {
		t.Error("off loggers are nil")
	}
}

func TestTee(t *testing.T) {
	parentOut := new(recorder)
	teeOut := new(recorder)
	parent := New(parentOut, InfoLevel)
	tee := parent.Tee(teeOut, "child: ")
	tee.Print("hello")
	if got, want := strings.Join(teeOut.lines, ","), "hello"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := strings.Join(parentOut.lines, ","), "child: hello"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
