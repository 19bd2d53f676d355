package virtual

import (
	"context"
	"time"

	"mcpgate/internal/domain"
)

// TimeConnector is the built-in TIME virtual server: current time lookup
// and time-of-day conversion between IANA timezones. It needs no auth.
type TimeConnector struct{}

// RegisterTimeConnector adds the TIME connector to the registry.
func RegisterTimeConnector(registry *Registry) {
	registry.Register("TIME", func(*AuthToken) Connector { return &TimeConnector{} })
}

func (c *TimeConnector) Invoke(ctx context.Context, method string, arguments map[string]any) (*domain.CallToolResult, error) {
	switch method {
	case "current_time":
		return c.currentTime(arguments)
	case "convert_time":
		return c.convertTime(arguments)
	}
	return nil, domain.NewError(domain.KindToolNotFound, "TIME has no method %s", method)
}

func (c *TimeConnector) currentTime(arguments map[string]any) (*domain.CallToolResult, error) {
	zone := "UTC"
	if tz, ok := arguments["timezone"].(string); ok && tz != "" {
		zone = tz
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		failure := domain.NewToolError("unknown timezone %q", zone)
		return &failure, nil
	}
	now := time.Now().In(loc)
	result := domain.NewToolText(now.Format(time.RFC3339))
	result.StructuredContent = map[string]any{
		"timezone":    zone,
		"datetime":    now.Format(time.RFC3339),
		"day_of_week": now.Weekday().String(),
	}
	return &result, nil
}

func (c *TimeConnector) convertTime(arguments map[string]any) (*domain.CallToolResult, error) {
	raw, _ := arguments["time"].(string)
	source, _ := arguments["source_timezone"].(string)
	target, _ := arguments["target_timezone"].(string)
	if raw == "" || target == "" {
		return nil, domain.NewError(domain.KindInvalidParams, "convert_time needs time and target_timezone")
	}
	if source == "" {
		source = "UTC"
	}
	sourceLoc, err := time.LoadLocation(source)
	if err != nil {
		failure := domain.NewToolError("unknown timezone %q", source)
		return &failure, nil
	}
	targetLoc, err := time.LoadLocation(target)
	if err != nil {
		failure := domain.NewToolError("unknown timezone %q", target)
		return &failure, nil
	}
	clock, err := time.ParseInLocation("15:04", raw, sourceLoc)
	if err != nil {
		failure := domain.NewToolError("time %q is not in HH:MM form", raw)
		return &failure, nil
	}

	// Conversion is anchored to today's date in the source zone.
	now := time.Now().In(sourceLoc)
	at := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, sourceLoc)
	converted := at.In(targetLoc)

	result := domain.NewToolText(converted.Format(time.RFC3339))
	result.StructuredContent = map[string]any{
		"source": map[string]any{"timezone": source, "datetime": at.Format(time.RFC3339)},
		"target": map[string]any{"timezone": target, "datetime": converted.Format(time.RFC3339)},
	}
	return &result, nil
}
