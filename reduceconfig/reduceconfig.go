// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package reduceconfig provides a mechanism to create a bigreduce
// session from a shared configuration. Reduceconfig uses the
// configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.bigreduce/config. A profile may, for example, run ranks on
// EC2:
//
//	instance bigreduce bigreduce (
//		ranks = 16
//		system = ec2
//	)
package reduceconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigreduce/exec"
)

// Path determines the location of the bigreduce profile read
// by Parse.
var Path = os.ExpandEnv("$HOME/.bigreduce/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// bigreduce configuration from Path defined in this package. Parse
// returns a session as configured by the configuration and any flags
// provided. Parse panics if session creation fails.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigreduce", &sess)
	return sess, sess.Shutdown
}
