// SPDX-License-Identifier: MPL-2.0

package guestsim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
)

// exec dispatches external program calls to the Go built-ins. Unknown
// programs fail with status 127 like a shell would.
func (g *Guest) exec(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)

	inv := Invocation{
		Name:     args[0],
		Args:     append([]string(nil), args[1:]...),
		Elevated: elevated(ctx),
		NixPath:  lookupEnv(environ(ctx), "NIX_PATH"),
	}
	g.mu.Lock()
	g.invocations = append(g.invocations, inv)
	g.mu.Unlock()

	switch args[0] {
	case "sudo":
		return g.sudo(ctx, args[1:])
	case "sh":
		return g.shell(ctx, args[1:])
	case "cmp":
		return g.cmp(ctx, args[1:])
	case "find":
		return g.find(ctx, args[1:])
	case "mv":
		return g.mv(ctx, args[1:])
	case "rm":
		return g.rm(ctx, args[1:])
	case "cat":
		return g.cat(ctx, args[1:])
	case "nixos-rebuild":
		return g.nixosRebuild(ctx, args[1:])
	default:
		fmt.Fprintf(hc.Stderr, "%s: command not found\n", args[0])
		return interp.ExitStatus(127)
	}
}

// sudo resets the environment the way env_reset does unless -E is given.
// -H sets HOME to root's home.
func (g *Guest) sudo(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	if g.SudoDenied {
		fmt.Fprintln(hc.Stderr, "sudo: a password is required")
		return interp.ExitStatus(1)
	}

	var preserveEnv, setHome bool
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		for _, flag := range args[0][1:] {
			switch flag {
			case 'n':
			case 'E':
				preserveEnv = true
			case 'H':
				setHome = true
			default:
				fmt.Fprintf(hc.Stderr, "sudo: invalid option -- '%c'\n", flag)
				return interp.ExitStatus(1)
			}
		}
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintln(hc.Stderr, "usage: sudo [-nEH] command")
		return interp.ExitStatus(1)
	}

	env := sudoEnv()
	if preserveEnv {
		env = setEnv(environ(ctx), "USER", "root")
	}
	if setHome {
		env = setEnv(env, "HOME", "/root")
	}
	ctx = context.WithValue(ctx, elevatedKey{}, true)
	ctx = context.WithValue(ctx, envKey{}, env)
	return g.exec(ctx, args)
}

// shell supports `sh -c script` and the login form `sh -lc script`. A
// login shell reads the system profile, which sets NIX_PATH when the
// environment lacks it.
func (g *Guest) shell(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)

	login := false
	switch {
	case len(args) >= 2 && args[0] == "-c":
		args = args[1:]
	case len(args) >= 2 && (args[0] == "-lc" || args[0] == "-cl"):
		login, args = true, args[1:]
	case len(args) >= 3 && args[0] == "-l" && args[1] == "-c":
		login, args = true, args[2:]
	default:
		fmt.Fprintln(hc.Stderr, "sh: only 'sh [-l] -c script' is supported")
		return interp.ExitStatus(2)
	}

	env := environ(ctx)
	if login && lookupEnv(env, "NIX_PATH") == "" {
		env = setEnv(env, "NIX_PATH", lookupEnv(defaultEnv(), "NIX_PATH"))
	}

	// The nested interpreter owns its environment from here on.
	ctx = context.WithValue(ctx, envKey{}, nil)
	status, err := g.run(ctx, args[0], hc.Stdin, hc.Stdout, hc.Stderr, env)
	if err != nil {
		return err
	}
	if status != 0 {
		return interp.ExitStatus(status)
	}
	return nil
}

// environ returns the environment handed to the current program: the one
// sudo prepared, or the exported variables of the calling shell.
func environ(ctx context.Context) []string {
	if env, ok := ctx.Value(envKey{}).([]string); ok {
		return env
	}
	var env []string
	interp.HandlerCtx(ctx).Env.Each(func(name string, vr expand.Variable) bool {
		if vr.Exported && vr.Kind == expand.String {
			env = append(env, name+"="+vr.Str)
		}
		return true
	})
	return env
}

func lookupEnv(env []string, name string) string {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == name {
			return v
		}
	}
	return ""
}

func setEnv(env []string, name, value string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if k, _, _ := strings.Cut(kv, "="); k != name {
			out = append(out, kv)
		}
	}
	return append(out, name+"="+value)
}

func (g *Guest) cmp(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	silent := false
	var files []string
	for _, a := range args {
		switch a {
		case "-s", "--silent", "--quiet":
			silent = true
		default:
			files = append(files, a)
		}
	}
	if len(files) != 2 {
		fmt.Fprintln(hc.Stderr, "cmp: two files expected")
		return interp.ExitStatus(2)
	}

	var contents [2][]byte
	for i, f := range files {
		hostPath, _ := g.resolve(ctx, f)
		b, err := os.ReadFile(hostPath)
		if err != nil {
			if !silent {
				fmt.Fprintf(hc.Stderr, "cmp: %s: No such file or directory\n", f)
			}
			return interp.ExitStatus(2)
		}
		contents[i] = b
	}
	if !bytes.Equal(contents[0], contents[1]) {
		if !silent {
			fmt.Fprintf(hc.Stdout, "%s %s differ\n", files[0], files[1])
		}
		return interp.ExitStatus(1)
	}
	return nil
}

// find supports `find DIR -maxdepth 1 -type f -name PATTERN`.
func (g *Guest) find(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	if len(args) == 0 {
		fmt.Fprintln(hc.Stderr, "find: missing starting point")
		return interp.ExitStatus(1)
	}
	dir := args[0]
	pattern := "*"
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "-maxdepth", "-type":
			i++
		case "-name":
			if i+1 < len(args) {
				pattern = args[i+1]
				i++
			}
		}
	}

	hostDir, guestDir := g.resolve(ctx, dir)
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		fmt.Fprintf(hc.Stderr, "find: '%s': No such file or directory\n", dir)
		return interp.ExitStatus(1)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if ok, _ := path.Match(pattern, e.Name()); ok {
			fmt.Fprintln(hc.Stdout, path.Join(guestDir, e.Name()))
		}
	}
	return nil
}

func (g *Guest) mv(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	if len(args) != 2 {
		fmt.Fprintln(hc.Stderr, "mv: expected source and destination")
		return interp.ExitStatus(1)
	}
	srcHost, srcGuest := g.resolve(ctx, args[0])
	dstHost, dstGuest := g.resolve(ctx, args[1])
	for _, p := range []string{srcGuest, dstGuest} {
		if err := g.checkWritable(ctx, p); err != nil {
			fmt.Fprintf(hc.Stderr, "mv: cannot move '%s' to '%s': Permission denied\n", args[0], args[1])
			return interp.ExitStatus(1)
		}
	}
	if err := os.Rename(srcHost, dstHost); err != nil {
		fmt.Fprintf(hc.Stderr, "mv: cannot move '%s' to '%s': %v\n", args[0], args[1], unwrapPathError(err))
		return interp.ExitStatus(1)
	}
	return nil
}

func (g *Guest) rm(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	force := false
	var targets []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") && len(a) > 1 {
			force = force || strings.Contains(a, "f")
			continue
		}
		targets = append(targets, a)
	}

	status := 0
	for _, t := range targets {
		hostPath, guestPath := g.resolve(ctx, t)
		if err := g.checkWritable(ctx, guestPath); err != nil {
			fmt.Fprintf(hc.Stderr, "rm: cannot remove '%s': Permission denied\n", t)
			status = 1
			continue
		}
		if err := os.Remove(hostPath); err != nil {
			if force && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			fmt.Fprintf(hc.Stderr, "rm: cannot remove '%s': %v\n", t, unwrapPathError(err))
			status = 1
		}
	}
	if status != 0 {
		return interp.ExitStatus(status)
	}
	return nil
}

func (g *Guest) cat(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	if len(args) == 0 {
		if hc.Stdin == nil {
			return nil
		}
		if _, err := io.Copy(hc.Stdout, hc.Stdin); err != nil {
			fmt.Fprintf(hc.Stderr, "cat: %v\n", err)
			return interp.ExitStatus(1)
		}
		return nil
	}
	for _, f := range args {
		hostPath, _ := g.resolve(ctx, f)
		b, err := os.ReadFile(hostPath)
		if err != nil {
			fmt.Fprintf(hc.Stderr, "cat: %s: No such file or directory\n", f)
			return interp.ExitStatus(1)
		}
		_, _ = hc.Stdout.Write(b)
	}
	return nil
}

func (g *Guest) nixosRebuild(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	if !elevated(ctx) {
		fmt.Fprintln(hc.Stderr, "error: nixos-rebuild must be run as root")
		return interp.ExitStatus(1)
	}
	if len(args) == 0 || args[0] != "switch" {
		fmt.Fprintf(hc.Stderr, "error: unsupported action %s\n", strconv.Quote(strings.Join(args, " ")))
		return interp.ExitStatus(1)
	}
	if g.RebuildStdout != "" {
		_, _ = io.WriteString(hc.Stdout, g.RebuildStdout)
	}
	if g.RebuildStderr != "" {
		_, _ = io.WriteString(hc.Stderr, g.RebuildStderr)
	}
	if g.RebuildExit != 0 {
		return interp.ExitStatus(g.RebuildExit)
	}
	return nil
}

func unwrapPathError(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return le.Err
	}
	return err
}
