package kafka

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/azizikri/coupon-redeem/internal/audit"
	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/google/uuid"
)

const (
	ErrCodeInvalidPayload     = "INVALID_PAYLOAD"
	ErrCodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	ErrCodePersistFailed      = "PERSIST_FAILED"
)

var errUnsupportedVersion = errors.New("unsupported schema version")

// decodeAuditMessage parses a record value into an event ready to persist.
func decodeAuditMessage(value []byte) (*domain.AuditEvent, error) {
	var msg audit.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, fmt.Errorf("decode audit message: %w", err)
	}
	if msg.SchemaVersion != audit.MessageSchemaVersion {
		return nil, fmt.Errorf("%w: %d", errUnsupportedVersion, msg.SchemaVersion)
	}
	if _, err := uuid.Parse(msg.ID); err != nil {
		return nil, fmt.Errorf("audit message id: %w", err)
	}
	if msg.Action == "" {
		return nil, errors.New("audit message has no action")
	}
	if msg.CreatedAt.IsZero() {
		return nil, errors.New("audit message has no created_at")
	}
	return msg.Event(), nil
}

func errorCode(err error) string {
	if errors.Is(err, errUnsupportedVersion) {
		return ErrCodeUnsupportedVersion
	}
	return ErrCodeInvalidPayload
}
