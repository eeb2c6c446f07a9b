// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigreduce runs the example bigreduce programs.
//
// Usage:
//
//	bigreduce [flags] <program> [arguments]
//
// The programs are:
//
//	wordcount path [n] [out]   count the words of a file; report the n most frequent
//	pi [n] [seed]              estimate pi from n random samples
//	sumsquares [n] [reducer]   reduce the squares of [1, n] with a named reducer
//	topk path [k]              report the k largest numbers of a file
//
// Paths may be local or, with AWS credentials, s3:// URLs. Ranks run
// in-process by default; -system=bigmachine runs each rank in its own
// process, and -system=ec2 runs each rank on its own EC2 instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigreduce/example"
	"github.com/grailbio/bigreduce/exec"
	"github.com/grailbio/bigreduce/reducecmd"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: bigreduce [flags] <program> [arguments]

The programs are: %s

Flags:
`, strings.Join(example.Names(), ", "))
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	must.Func = log.Fatal
	flag.Usage = usage
	reducecmd.RegisterSystem("ec2", &ec2system.System{
		InstanceType: "m5.2xlarge",
	})
	reducecmd.Main(func(sess *exec.Session, args []string) error {
		if len(args) == 0 {
			flag.Usage()
		}
		ctx := context.Background()
		name, args := args[0], args[1:]
		switch name {
		case "wordcount":
			if len(args) < 1 {
				return errors.E(errors.Invalid, "wordcount: missing path")
			}
			n, err := intArg(args, 1, 20)
			if err != nil {
				return err
			}
			return sess.Run(ctx, example.WordCountFunc, args[0], int(n), stringArg(args, 2, ""))
		case "pi":
			n, err := intArg(args, 0, 1e7)
			if err != nil {
				return err
			}
			seed, err := intArg(args, 1, 1)
			if err != nil {
				return err
			}
			return sess.Run(ctx, example.PiFunc, int(n), seed)
		case "sumsquares":
			n, err := intArg(args, 0, 1000)
			if err != nil {
				return err
			}
			return sess.Run(ctx, example.SumSquaresFunc, n, stringArg(args, 1, "sum"))
		case "topk":
			if len(args) < 1 {
				return errors.E(errors.Invalid, "topk: missing path")
			}
			k, err := intArg(args, 1, 10)
			if err != nil {
				return err
			}
			return sess.Run(ctx, example.TopKFunc, args[0], int(k))
		default:
			fmt.Fprintln(os.Stderr, "unknown program", name)
			flag.Usage()
		}
		return nil
	})
}

func intArg(args []string, i int, def int64) (int64, error) {
	if i >= len(args) {
		return def, nil
	}
	v, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("argument %d: %v", i+1, err))
	}
	return v, nil
}

func stringArg(args []string, i int, def string) string {
	if i >= len(args) {
		return def
	}
	return args[i]
}
