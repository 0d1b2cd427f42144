package memory_test

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/plastic-labs/steerability-eval/internal/memory"
	"github.com/plastic-labs/steerability-eval/internal/memory/memorytest"
)

// #region mock
type mockService struct {
	memory.ServiceClient

	createResp *structpb.Struct
	createErr  error
	chatErr    error
	lastReq    *structpb.Struct
}

func (m *mockService) CreateSession(_ context.Context, in *structpb.Struct, _ ...grpc.CallOption) (*structpb.Struct, error) {
	m.lastReq = in
	return m.createResp, m.createErr
}

func (m *mockService) Chat(_ context.Context, in *structpb.Struct, _ ...grpc.CallOption) (*structpb.Struct, error) {
	m.lastReq = in
	return nil, m.chatErr
}
// #endregion mock

// #region mock-tests
func TestCreateSession_MissingIDs(t *testing.T) {
	resp, _ := structpb.NewStruct(map[string]any{"user_id": "u1"})
	mock := &mockService{createResp: resp}
	c := memory.NewClientWithService(mock)

	if _, err := c.CreateSession(context.Background(), "app", "alice"); err == nil {
		t.Fatal("expected error when session_id is missing")
	}
	if got := mock.lastReq.GetFields()["user_name"].GetStringValue(); got != "alice" {
		t.Errorf("user_name not sent: %q", got)
	}
}

func TestChat_ErrorWrapped(t *testing.T) {
	mock := &mockService{chatErr: status.Error(codes.PermissionDenied, "nope")}
	c := memory.NewClientWithService(mock)

	_, err := c.Chat(context.Background(), memory.Session{UserID: "u", SessionID: "s"}, "q")
	if err == nil {
		t.Fatal("expected error")
	}
	if !memory.Permanent(err) {
		t.Errorf("PermissionDenied should be permanent: %v", err)
	}
	if memory.Permanent(status.Error(codes.Unavailable, "down")) {
		t.Error("Unavailable should be retryable")
	}
	if memory.Permanent(errors.New("plain")) {
		t.Error("non-status errors should be retryable")
	}
	if c.Close() != nil {
		t.Error("Close without a connection should be a no-op")
	}
}
// #endregion mock-tests

// #region bufconn-tests
func startServer(t *testing.T) (*memorytest.Server, *memory.Client) {
	t.Helper()
	srv := memorytest.Start()
	t.Cleanup(srv.Stop)
	c, err := srv.Client()
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return srv, c
}

func TestSessionRoundTrip(t *testing.T) {
	srv, c := startServer(t)
	ctx := context.Background()

	s, err := c.CreateSession(ctx, "steerability-eval", "alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	err = c.AddMessages(ctx, s, []memory.Message{
		{Content: `Do you agree with this statement? "I like rain". Respond with "Y" or "N" and nothing else.`},
		{Content: "N", IsUser: true},
		{Content: `Do you agree with this statement? "I like sun". Respond with "Y" or "N" and nothing else.`},
		{Content: "Y", IsUser: true},
	})
	if err != nil {
		t.Fatalf("AddMessages: %v", err)
	}

	got, err := c.Chat(ctx, s, `would they agree with the statement: "I like rain"?`)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "N" {
		t.Errorf("expected recorded answer N, got %q", got)
	}

	if err := c.DeleteSession(ctx, s); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if srv.OpenSessions() != 0 {
		t.Errorf("session not deleted")
	}
	if _, err := c.Chat(ctx, s, "anything"); !memory.Permanent(err) {
		t.Errorf("chat on deleted session should be NotFound, got %v", err)
	}
}

func TestInjectedFailureIsRetryable(t *testing.T) {
	srv, c := startServer(t)
	srv.FailNext("CreateSession", 1)

	_, err := c.CreateSession(context.Background(), "app", "bob")
	if err == nil || memory.Permanent(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}
	if _, err := c.CreateSession(context.Background(), "app", "bob"); err != nil {
		t.Fatalf("second attempt should succeed: %v", err)
	}
	if srv.Calls("CreateSession") != 2 {
		t.Errorf("expected 2 calls, got %d", srv.Calls("CreateSession"))
	}
}
// #endregion bufconn-tests
