package api

import (
	"fmt"
	"net/url"
	"strings"

	"loyaltyhooks/internal/model"
)

func validateEndpointURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("url must be an absolute http(s) URL")
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}

func validateEventTypes(events []string) error {
	for _, t := range events {
		if !model.ValidEventType(t) {
			return fmt.Errorf("unknown event type: %q (allowed: %s)", t, strings.Join(model.EventTypes, ", "))
		}
	}
	return nil
}
