// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// sandbox-run interacts with a subprocess translated with --sandbox.
//
// The child gets a virtual /tmp (read-only, optionally bridged to a real
// directory) and /dev/urandom, an empty environment, and virtualized time
// and identity. Its stdout is relayed in green and its stderr in red,
// sanitized so it cannot scribble on the terminal.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sandboxlib/sandbox"
	"github.com/sandboxlib/sandbox/vfs"
)

var (
	flagTmp       string
	flagLibPath   string
	flagNoColor   bool
	flagRawStdout bool
	flagDebug     bool
	flagCheck     bool
)

func main() {
	root := &cobra.Command{
		Use:   "sandbox-run [flags] <executable> [args...]",
		Short: "Supervise a sandboxed subprocess",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(args)
		},
	}

	root.Flags().StringVar(&flagTmp, "tmp", "",
		"real directory backing the virtual /tmp (always read-only)")
	root.Flags().StringVar(&flagLibPath, "lib-path", "",
		"real directory containing lib-python and lib_pypy (pypy children only)")
	root.Flags().BoolVar(&flagNoColor, "nocolor", false,
		"turn off coloring of the sandboxed-produced output")
	root.Flags().BoolVar(&flagRawStdout, "raw-stdout", false,
		"turn off all sanitization (and coloring) of stdout")
	root.Flags().BoolVar(&flagDebug, "debug", false,
		"check the child's dump first and log every error reported to it")
	root.Flags().BoolVar(&flagCheck, "check", false,
		"print the child's self-description and validate it, then exit")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(args []string) error {
	executable := args[0]
	argv := append([]string(nil), args...)

	cfg := sandbox.Config{}
	if flagDebug {
		logger := logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logrus.DebugLevel)
		cfg.Logger = logger
	}

	// Assemble the virtual world.
	tmp := vfs.NewDir(nil)
	if flagTmp != "" {
		tmp = vfs.NewRealDir(flagTmp, nil)
	}

	rootEntries := map[string]*vfs.Node{
		"tmp": tmp,
		"dev": vfs.NewDir(map[string]*vfs.Node{
			"urandom": vfs.NewRealFile("/dev/urandom", 0),
		}),
	}

	if flagLibPath != "" {
		rootEntries["lib"] = pypyLibTree(flagLibPath)
		argv[0] = "/lib/pypy"
	}

	defaults := sandbox.NewDefaultsLayer()
	defaults.CWD = "/tmp"
	defaults.UseVirtualTime = true

	output := &sandbox.DumpOutputLayer{
		Stdout:    colorable.NewColorableStdout(),
		Stderr:    colorable.NewColorableStderr(),
		RawStdout: flagRawStdout,
	}
	if !flagNoColor && !flagRawStdout {
		output.StdoutFormat = sandbox.ColorFormat(32)
		output.StderrFormat = sandbox.ColorFormat(31)
	}

	cfg.Layers = []sandbox.Layer{
		&sandbox.PyPyLayer{},
		vfs.NewLayer(vfs.NewDir(rootEntries), vfs.Config{}),
		output,
		&sandbox.AcceptInputLayer{},
		defaults,
	}

	if flagCheck || flagDebug {
		dump, err := sandbox.FetchDump(executable)
		if err != nil {
			return err
		}

		checker, err := sandbox.NewSession(cfg, discardWriter{}, emptyReader{})
		if err != nil {
			return err
		}
		problems := checker.CheckDump(dump)

		if flagCheck {
			fmt.Print(dump)
		}
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "*** %s\n", p)
		}
		if len(problems) > 0 {
			os.Exit(1)
		}
		if flagCheck {
			return nil
		}
	}

	s, err := sandbox.Start(cfg, executable, argv...)
	if err != nil {
		return err
	}
	defer s.Close()

	code, err := s.Run()
	if err != nil {
		return err
	}

	if code != 0 {
		fmt.Printf("*** sandboxed subprocess finished with exit code %d ***\n", code)
		os.Exit(1)
	}
	return nil
}

// pypyLibTree exposes the interpreter's standard library (and the
// interpreter itself as /lib/pypy) from a real checkout, with compiled and
// backup files filtered out.
func pypyLibTree(dir string) *vfs.Node {
	exclude := []string{".pyc", ".pyo", "~"}

	return vfs.NewDir(map[string]*vfs.Node{
		"pypy": vfs.NewRealFile(filepath.Join(dir, "pypy-c-sandbox"), 0o111),
		"lib-python": vfs.NewRealDir(
			filepath.Join(dir, "lib-python"),
			&vfs.RealDirOptions{Exclude: exclude}),
		"lib_pypy": vfs.NewRealDir(
			filepath.Join(dir, "lib_pypy"),
			&vfs.RealDirOptions{Exclude: exclude}),
	})
}

// The dump check needs a session only for its resolved table; it never
// touches the wire.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) { return 0, os.ErrClosed }
