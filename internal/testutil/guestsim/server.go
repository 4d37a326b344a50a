// SPDX-License-Identifier: MPL-2.0

package guestsim

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	gossh "golang.org/x/crypto/ssh"
)

const (
	// User and Password are the credentials accepted by Serve.
	User     = "vagrant"
	Password = "vagrant"
)

// Server exposes a Guest over SSH.
type Server struct {
	Host string
	Port int

	srv    *ssh.Server
	logger *log.Logger
}

// Serve starts an SSH server on a random loopback port that runs every
// session's command through g. It is stopped when the test ends.
func (g *Guest) Serve(t testing.TB) *Server {
	t.Helper()

	hostKey, err := generateHostKey()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}

	level := log.InfoLevel
	if testing.Verbose() {
		level = log.DebugLevel
	}
	s := &Server{
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "guestsim", Level: level}),
	}
	s.srv, err = wish.NewServer(
		wish.WithHostKeyPEM(hostKey),
		wish.WithPasswordAuth(func(ctx ssh.Context, password string) bool {
			return ctx.User() == User && password == Password
		}),
		wish.WithMiddleware(g.middleware(s.logger)),
	)
	if err != nil {
		t.Fatalf("create ssh server: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	s.Host, s.Port = addr.IP.String(), addr.Port

	go func() {
		if serveErr := s.srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, ssh.ErrServerClosed) {
			s.logger.Error("serve", "err", serveErr)
		}
	}()
	t.Cleanup(func() { _ = s.srv.Close() })

	return s
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (g *Guest) middleware(logger *log.Logger) wish.Middleware {
	return func(ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			command := sess.RawCommand()
			if command == "" {
				wish.Fatalln(sess, "interactive sessions are not supported")
				return
			}
			g.record(command)
			logger.Debug("session", "user", sess.User(), "command", command)

			status, err := g.Run(sess.Context(), command, sess, sess, sess.Stderr())
			if err != nil {
				fmt.Fprintf(sess.Stderr(), "guestsim: %v\n", err)
				status = 255
			}
			_ = sess.Exit(status)
		}
	}
}

func generateHostKey() ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(block), nil
}
