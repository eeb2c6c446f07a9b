// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package reducecmd provides utilities for implementing
// bigreduce-based command line tools. The main entry point,
// reducecmd.Main, configures a session according to a common set of
// flags, and then invokes the user's driver code.
//
// A reducecmd tool follows this form:
//
//	func main() {
//		var (
//			applicationFlag1 = flag.Int(...)
//			applicationFlag2 = ...
//		)
//		reducecmd.Main(func(sess *exec.Session, args []string) error) {
//			ctx := context.Background()
//			if err := sess.Run(ctx, MyProgram); err != nil {
//				return err
//			}
//			// Do something else...
//			return nil
//		}
//	}
package reducecmd

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigreduce/exec"
)

var (
	mu      sync.Mutex
	systems = map[string]bigmachine.System{}
)

// RegisterSystem registers a bigmachine system for use in this
// reducecmd. The named registration is recalled via the -system
// flag.
func RegisterSystem(name string, system bigmachine.System) {
	mu.Lock()
	defer mu.Unlock()
	if name == "local" || systems[name] != nil {
		log.Panicf("system %s is already registered", name)
	}
	systems[name] = system
}

// Flags holds the session configuration provided on the command line.
type Flags struct {
	// System names the system on which ranks run: "local" runs every
	// rank in-process, "bigmachine" runs each rank in its own process
	// on the local machine; other names are looked up among the
	// systems registered with RegisterSystem.
	System string
	// Ranks is the number of ranks.
	Ranks int
	// Threads is the number of threads per rank; 0 uses one per
	// processor.
	Threads int
	// ConsoleStatus turns on status display on standard output.
	ConsoleStatus bool
	// HTTPAddress is the address of the diagnostic web server; it is
	// not started if empty.
	HTTPAddress string
}

// RegisterFlags registers the session flags in fs, each prefixed by
// prefix.
func RegisterFlags(fs *flag.FlagSet, fl *Flags, prefix string) {
	fs.StringVar(&fl.System, prefix+"system", "local", "system on which to run ranks: "+strings.Join(systemNames(), ", "))
	fs.IntVar(&fl.Ranks, prefix+"ranks", exec.DefaultRanks, "number of ranks")
	fs.IntVar(&fl.Threads, prefix+"threads", 0, "threads per rank; 0 uses one per processor")
	fs.BoolVar(&fl.ConsoleStatus, prefix+"console-status", false, "display status on stdout")
	fs.StringVar(&fl.HTTPAddress, prefix+"http", ":3333", "address of the diagnostic web server")
}

// ExecOptions returns the session options implied by the flags.
func (fl Flags) ExecOptions() ([]exec.Option, error) {
	if fl.Ranks <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("-ranks must be positive, got %d", fl.Ranks))
	}
	if fl.Threads < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("-threads must not be negative, got %d", fl.Threads))
	}
	var options []exec.Option
	switch fl.System {
	case "local":
		options = append(options, exec.Local(fl.Ranks))
	case "bigmachine":
		options = append(options, exec.Bigmachine(bigmachine.Local), exec.Ranks(fl.Ranks))
	default:
		mu.Lock()
		system := systems[fl.System]
		mu.Unlock()
		if system == nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown system %q; available: %s", fl.System, strings.Join(systemNames(), ", ")))
		}
		options = append(options, exec.Bigmachine(system), exec.Ranks(fl.Ranks))
	}
	if fl.Threads > 0 {
		options = append(options, exec.Threads(fl.Threads))
	}
	if fl.ConsoleStatus || fl.HTTPAddress != "" {
		options = append(options, exec.Status(new(status.Status)))
	}
	return options, nil
}

func systemNames() []string {
	mu.Lock()
	defer mu.Unlock()
	names := []string{"local", "bigmachine"}
	for name := range systems {
		names = append(names, name)
	}
	sort.Strings(names[2:])
	return names
}

// Main is a convenient entry point for a reducecmd. Main does not
// return; it should be called after other initialization is
// performed. Main parses (global) flags, and configures bigreduce
// accordingly. Main then invokes the provided func with a session,
// which can be used to run bigreduce programs. Main also passes the
// unparsed arguments.
//
// Main terminates the program after the user func returns. If it
// returns with an error, it is reported and the process exits with
// code 1, otherwise it exits successfully.
func Main(main func(sess *exec.Session, args []string) error) {
	var fl Flags
	RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(sess, flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init starts a session according to the supplied flags.
func Init(fl Flags) (*exec.Session, error) {
	options, err := fl.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess, err := exec.StartErr(options...)
	if err != nil {
		return nil, err
	}
	DisplayStatus(fl, sess)
	return sess, nil
}

// DisplayStatus arranges for the session's status to be displayed on
// the console and/or a web page depending on the flags specified on
// the command line. The web page is hosted at /debug/status on
// http.DefaultServeMux.
func DisplayStatus(fl Flags, sess *exec.Session) {
	if sess.Status() == nil {
		return
	}
	if fl.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if fl.HTTPAddress != "" {
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP status at: %v", fl.HTTPAddress)
			if err := http.ListenAndServe(fl.HTTPAddress, nil); err != nil {
				log.Error.Printf("failed to start HTTP at %v: %v", fl.HTTPAddress, err)
			}
		}()
	}
}
