// Package memory is the gRPC client for the user-memory service backing the
// memory steerable variant.
package memory

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region types
// Session identifies one user conversation in the memory service.
type Session struct {
	UserID    string
	SessionID string
}

// Message is one turn in a session.
type Message struct {
	Content string
	IsUser  bool
}
// #endregion types

// #region client-struct
// Client wraps the gRPC connection to the memory service.
type Client struct {
	conn   *grpc.ClientConn
	client ServiceClient
}
// #endregion client-struct

// #region constructor
// NewClient connects to the memory service at addr.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, client: NewServiceClient(conn)}, nil
}

// NewClientWithService creates a Client with an injected service implementation.
func NewClientWithService(svc ServiceClient) *Client {
	return &Client{client: svc}
}
// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
// #endregion close

// #region create-session
// CreateSession creates (or reuses) the user and opens a new session.
func (c *Client) CreateSession(ctx context.Context, appID, userName string) (Session, error) {
	req, err := structpb.NewStruct(map[string]any{"app_id": appID, "user_name": userName})
	if err != nil {
		return Session{}, err
	}
	resp, err := c.client.CreateSession(ctx, req)
	if err != nil {
		return Session{}, fmt.Errorf("create session rpc: %w", err)
	}
	s := Session{
		UserID:    resp.GetFields()["user_id"].GetStringValue(),
		SessionID: resp.GetFields()["session_id"].GetStringValue(),
	}
	if s.UserID == "" || s.SessionID == "" {
		return Session{}, errors.New("create session rpc: missing user_id or session_id")
	}
	return s, nil
}
// #endregion create-session

// #region add-messages
// AddMessages appends msgs to the session in order.
func (c *Client) AddMessages(ctx context.Context, s Session, msgs []Message) error {
	list := make([]any, len(msgs))
	for i, m := range msgs {
		list[i] = map[string]any{"content": m.Content, "is_user": m.IsUser}
	}
	req, err := structpb.NewStruct(map[string]any{
		"session_id": s.SessionID,
		"user_id":    s.UserID,
		"messages":   list,
	})
	if err != nil {
		return err
	}
	if _, err := c.client.AddMessages(ctx, req); err != nil {
		return fmt.Errorf("add messages rpc: %w", err)
	}
	return nil
}
// #endregion add-messages

// #region chat
// Chat asks the service a question about the session's user.
func (c *Client) Chat(ctx context.Context, s Session, query string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{
		"session_id": s.SessionID,
		"user_id":    s.UserID,
		"queries":    []any{query},
	})
	if err != nil {
		return "", err
	}
	resp, err := c.client.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat rpc: %w", err)
	}
	return resp.GetFields()["content"].GetStringValue(), nil
}
// #endregion chat

// #region delete-session
// DeleteSession releases the session.
func (c *Client) DeleteSession(ctx context.Context, s Session) error {
	req, err := structpb.NewStruct(map[string]any{"session_id": s.SessionID, "user_id": s.UserID})
	if err != nil {
		return err
	}
	if _, err := c.client.DeleteSession(ctx, req); err != nil {
		return fmt.Errorf("delete session rpc: %w", err)
	}
	return nil
}
// #endregion delete-session

// #region errors
// Permanent reports whether err is a rejection the service will repeat.
func Permanent(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.Unauthenticated, codes.Unimplemented:
		return true
	}
	return false
}
// #endregion errors
