package identity

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

// GRPCResolver asks the auth service to validate tokens. Requests and
// responses are structpb.Struct messages: {"token"} in and
// {"valid", "user_id"} out.
type GRPCResolver struct {
	conn grpc.ClientConnInterface
}

// NewGRPCResolver wraps an established client connection.
func NewGRPCResolver(conn grpc.ClientConnInterface) *GRPCResolver {
	return &GRPCResolver{conn: conn}
}

// Resolve implements Resolver.
func (r *GRPCResolver) Resolve(ctx context.Context, token string) (string, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"token": token})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, validateTokenMethod, req, resp); err != nil {
		switch status.Code(err) {
		case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument, codes.NotFound:
			return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	fields := resp.GetFields()
	if !fields["valid"].GetBoolValue() {
		return "", ErrUnauthorized
	}
	userID := fields["user_id"].GetStringValue()
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrUnauthorized)
	}
	return userID, nil
}
