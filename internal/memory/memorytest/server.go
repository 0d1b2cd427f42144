// Package memorytest runs an in-process memory service over bufconn.
package memorytest

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/plastic-labs/steerability-eval/internal/memory"
)

// #region server
// Server is a fake memory service. Chat answers with the user's recorded
// reply to the quoted statement if one exists, else the user's majority reply.
type Server struct {
	lis *bufconn.Listener
	srv *grpc.Server

	mu       sync.Mutex
	nextID   int
	sessions map[string]*session
	fail     map[string]int // pending injected failures per method
	calls    map[string]int
}

type session struct {
	userID   string
	messages []memory.Message
}

// Start launches the server. Callers must Stop it.
func Start() *Server {
	s := &Server{
		lis:      bufconn.Listen(1 << 20),
		srv:      grpc.NewServer(),
		sessions: make(map[string]*session),
		fail:     make(map[string]int),
		calls:    make(map[string]int),
	}
	memory.RegisterServiceServer(s.srv, s)
	go s.srv.Serve(s.lis)
	return s
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.srv.Stop()
}

// Client dials the server.
func (s *Server) Client() (*memory.Client, error) {
	return memory.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

// FailNext makes the next n calls to method fail with Unavailable.
func (s *Server) FailNext(method string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[method] = n
}

// Calls returns how many requests method has received.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// OpenSessions returns the number of sessions not yet deleted.
func (s *Server) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) enter(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	if s.fail[method] > 0 {
		s.fail[method]--
		return status.Error(codes.Unavailable, "injected failure")
	}
	return nil
}
// #endregion server

// #region handlers
func (s *Server) CreateSession(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.enter("CreateSession"); err != nil {
		return nil, err
	}
	name := in.GetFields()["user_name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "user_name required")
	}
	s.mu.Lock()
	s.nextID++
	sid := fmt.Sprintf("sess-%d", s.nextID)
	uid := "user-" + name
	s.sessions[sid] = &session{userID: uid}
	s.mu.Unlock()
	return structpb.NewStruct(map[string]any{"user_id": uid, "session_id": sid})
}

func (s *Server) AddMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.enter("AddMessages"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookup(in)
	if err != nil {
		return nil, err
	}
	for _, v := range in.GetFields()["messages"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		sess.messages = append(sess.messages, memory.Message{
			Content: f["content"].GetStringValue(),
			IsUser:  f["is_user"].GetBoolValue(),
		})
	}
	return &structpb.Struct{}, nil
}

func (s *Server) Chat(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.enter("Chat"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookup(in)
	if err != nil {
		return nil, err
	}
	queries := in.GetFields()["queries"].GetListValue().GetValues()
	if len(queries) == 0 {
		return nil, status.Error(codes.InvalidArgument, "queries required")
	}
	return structpb.NewStruct(map[string]any{"content": answer(sess.messages, quoted(queries[0].GetStringValue()))})
}

func (s *Server) DeleteSession(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.enter("DeleteSession"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(in); err != nil {
		return nil, err
	}
	delete(s.sessions, in.GetFields()["session_id"].GetStringValue())
	return &structpb.Struct{}, nil
}

func (s *Server) lookup(in *structpb.Struct) (*session, error) {
	f := in.GetFields()
	sess, ok := s.sessions[f["session_id"].GetStringValue()]
	if !ok || sess.userID != f["user_id"].GetStringValue() {
		return nil, status.Error(codes.NotFound, "session not found")
	}
	return sess, nil
}
// #endregion handlers

// #region answer
func quoted(s string) string {
	i := strings.Index(s, `"`)
	if i < 0 {
		return ""
	}
	j := strings.Index(s[i+1:], `"`)
	if j < 0 {
		return ""
	}
	return s[i+1 : i+1+j]
}

func answer(msgs []memory.Message, statement string) string {
	yes, no := 0, 0
	for i, m := range msgs {
		if !m.IsUser {
			continue
		}
		if i > 0 && statement != "" && quoted(msgs[i-1].Content) == statement {
			return m.Content
		}
		if strings.TrimSpace(m.Content) == "Y" {
			yes++
		} else {
			no++
		}
	}
	if no > yes {
		return "N"
	}
	return "Y"
}
// #endregion answer
