package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/creditledger/pkg/telemetry/correlation"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	TypeGrantApplied        = "grant.applied"
	TypeCreditsConsumed     = "credits.consumed"
	TypeCreditsDebtRecorded = "credits.debt_recorded"
	TypeTopupTriggered      = "topup.triggered"
	TypeTopupFailed         = "topup.failed"
)

// Event is a ledger fact published after its transaction commits.
type Event struct {
	ID         string
	Type       string
	AccountID  string
	OccurredAt time.Time
	// Payload values must be representable by structpb: strings, bools,
	// numbers, nested maps and slices of those.
	Payload map[string]any
}

// Publisher delivers ledger events. Publishing is best effort; callers log
// failures and never roll back a committed ledger change because of one.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// Encode renders evt as a JSON envelope carrying correlation and trace
// identifiers in its metadata.
func Encode(ctx context.Context, evt Event) ([]byte, error) {
	payload, err := structpb.NewStruct(evt.Payload)
	if err != nil {
		return nil, err
	}

	metadata := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	correlation.InjectTraceIntoMetadata(ctx, metadata)

	envelope := &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":          structpb.NewStringValue(evt.ID),
		"type":        structpb.NewStringValue(evt.Type),
		"account_id":  structpb.NewStringValue(evt.AccountID),
		"occurred_at": structpb.NewStringValue(evt.OccurredAt.UTC().Format(time.RFC3339Nano)),
		"payload":     structpb.NewStructValue(payload),
		"metadata":    structpb.NewStructValue(metadata),
	}}

	return protojson.Marshal(envelope)
}

func ensureID(evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	return evt
}
