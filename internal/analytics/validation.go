package analytics

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/oklog/ulid/v2"
)

// ValidateClickEventPayload rejects payloads the worker cannot persist.
func ValidateClickEventPayload(payload ClickEventPayload) error {
	if payload.ID == "" {
		return errors.New("id is required")
	}
	if _, err := ulid.ParseStrict(payload.ID); err != nil {
		return fmt.Errorf("id must be a ULID: %w", err)
	}
	if payload.RuleID == "" {
		return errors.New("rule_id is required")
	}
	if payload.SourceURL == "" || payload.TargetURL == "" {
		return errors.New("source and target urls are required")
	}
	if payload.IP != "" {
		if _, err := netip.ParseAddr(payload.IP); err != nil {
			return fmt.Errorf("ip is invalid: %w", err)
		}
	}
	if payload.Country != "" && len(payload.Country) != 2 {
		return errors.New("country must be 2 chars")
	}
	if payload.ClickedAt <= 0 {
		return errors.New("clicked_at must be set")
	}
	if len(payload.Referrer) > maxMetaLength {
		return errors.New("referrer too long")
	}
	if len(payload.UserAgent) > maxMetaLength {
		return errors.New("user_agent too long")
	}
	return nil
}
