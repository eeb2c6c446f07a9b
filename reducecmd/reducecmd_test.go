// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package reducecmd

import (
	"flag"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine/testsystem"
)

func parse(t *testing.T, args ...string) Flags {
	t.Helper()
	var fl Flags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, &fl, "")
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return fl
}

func TestFlags(t *testing.T) {
	fl := parse(t, "-ranks=3", "-threads=2", "-http=")
	if got, want := fl.System, "local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	options, err := fl.ExecOptions()
	if err != nil {
		t.Fatal(err)
	}
	// Local(3) and Threads(2); no status without a display.
	if got, want := len(options), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	sess, err := Init(fl)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()
	if got, want := sess.Ranks(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sess.Threads(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFlagsInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"-ranks=0"},
		{"-threads=-1"},
		{"-system=nonexistent"},
	} {
		_, err := parse(t, args...).ExecOptions()
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%v: got %v, want invalid", args, err)
		}
	}
}

func TestRegisterSystem(t *testing.T) {
	RegisterSystem("test", testsystem.New())
	options, err := parse(t, "-system=test", "-http=").ExecOptions()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(options), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	RegisterSystem("test", testsystem.New())
}
