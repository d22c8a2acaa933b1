package sshagent

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh/agent"

	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/logger"
)

// Server accepts agent connections on a unix socket.
// Server 在 unix 套接字上接受代理连接。
type Server struct {
	store  KeyStore
	logger logger.Logger
	path   string

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server for the socket at path.
func NewServer(path string, store KeyStore, log logger.Logger) *Server {
	return &Server{store: store, logger: log.WithComponent("SSHAgentServer"), path: path}
}

// Listen creates the socket, replacing a stale one, and restricts it to the owner.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), constants.PrivateDirMode); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, constants.PrivateFileMode); err != nil {
		_ = l.Close()
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is cancelled. Each connection gets its own
// agent view so lock state is per client.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		l = s.listener
		s.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	s.logger.Info(ctx, "SSH agent listening", logger.String("socket", s.path))

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				_ = os.Remove(s.path)
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			connCtx := logger.WithRequestID(ctx, uuid.NewString())
			if err := agent.ServeAgent(NewAgent(connCtx, s.store, s.logger), conn); err != nil && !isEOF(err) {
				s.logger.Debug(connCtx, "Agent connection closed", logger.Error(err))
			}
		}()
	}
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.path
}

func isEOF(err error) bool {
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed)
}
