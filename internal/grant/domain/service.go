package domain

import "context"

type Service interface {
	ApplyGrant(ctx context.Context, req ApplyGrantRequest) (ApplyGrantResult, error)
	Find(ctx context.Context, operationID string) (*Grant, error)
	List(ctx context.Context, req ListGrantsRequest) (ListGrantsResponse, error)
}
