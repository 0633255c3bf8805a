package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/querygate/internal/events"
)

const maxEventLog = 200

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	typeName := theme.ForType(e.Type).Render(fmt.Sprintf("%-18s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if id, ok := data["query_id"].(string); ok {
		parts = append(parts, "["+shortID(id)+"]")
	}
	if sid, ok := data["session_id"].(string); ok {
		parts = append(parts, "session "+shortID(sid))
	}
	if caller, ok := data["caller_session_id"].(string); ok && caller != "" {
		parts = append(parts, "by "+shortID(caller))
	}
	if to, ok := data["to"].(float64); ok {
		parts = append(parts, fmt.Sprintf("capacity %v", to))
	}
	if msg, ok := data["error"].(string); ok && msg != "" {
		parts = append(parts, msg)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
