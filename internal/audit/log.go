// Package audit writes security-relevant events to the structured log stream,
// alongside the durable role-change entries kept by the users store.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/obs"
)

// LogEvent writes an audit log entry enriched with request and principal context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := obs.RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry["actor_id"] = p.UserID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(interface{ String() string }); ok {
			v = s.String()
		}
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
