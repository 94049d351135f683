package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	SeverityInfo = "info"
	SeverityHigh = "high"
)

type AuditEvent struct {
	Severity  string                 `json:"severity"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource,omitempty"`
	ActorID   string                 `json:"actorId,omitempty"`
	IP        string                 `json:"ip"`
	UserAgent string                 `json:"userAgent"`
	Timestamp time.Time              `json:"timestamp"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

type AuditLogger struct {
	Redis  *redis.Client
	MaxLen int64
}

const auditKey = "audit"

func (a *AuditLogger) Log(ctx context.Context, e AuditEvent) error {
	e.Timestamp = time.Now().UTC()
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	pipe := a.Redis.Pipeline()
	pipe.RPush(ctx, auditKey, data)
	if a.MaxLen > 0 {
		pipe.LTrim(ctx, auditKey, -a.MaxLen, -1)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// List returns the newest events first, up to limit.
func (a *AuditLogger) List(ctx context.Context, limit int64) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := a.Redis.LRange(ctx, auditKey, -limit, -1).Result()
	if err != nil {
		return nil, err
	}

	events := make([]AuditEvent, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e AuditEvent
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
