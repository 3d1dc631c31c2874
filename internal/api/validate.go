package api

import (
	"fmt"
	"net/url"
	"strings"

	"hookrelay/internal/model"
)

// validateSubscriptionRequest enforces the registry's create invariants:
// a valid absolute http(s) URL and a non-empty event-type list.
func validateSubscriptionRequest(req *model.SubscriptionRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if err := validateWebhookURL(req.URL); err != nil {
		return err
	}
	if err := validateEventTypes(req.EventTypes); err != nil {
		return err
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >= 0")
	}
	if req.RetryDelaySeconds != nil && *req.RetryDelaySeconds <= 0 {
		return fmt.Errorf("retryDelaySeconds must be > 0")
	}
	return nil
}

// validateSubscriptionPatch checks only the fields present in the patch.
func validateSubscriptionPatch(patch *model.SubscriptionPatch) error {
	if patch.URL != nil {
		if err := validateWebhookURL(*patch.URL); err != nil {
			return err
		}
	}
	if patch.EventTypes != nil {
		if err := validateEventTypes(patch.EventTypes); err != nil {
			return err
		}
	}
	if patch.MaxRetries != nil && *patch.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >= 0")
	}
	if patch.RetryDelaySeconds != nil && *patch.RetryDelaySeconds <= 0 {
		return fmt.Errorf("retryDelaySeconds must be > 0")
	}
	return nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func validateEventTypes(types []string) error {
	if len(types) == 0 {
		return fmt.Errorf("eventTypes must not be empty")
	}
	for _, t := range types {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("eventTypes must not contain blank entries")
		}
	}
	return nil
}
