package application

import (
	"context"
	"errors"

	sensors "sensor-health/internal/sensors/domain"
)

// ResolveRecipients returns the owner and accepted recipients that opted in to alerts,
// deduplicated by email address. The owner comes first.
func ResolveRecipients(ctx context.Context, access AccessResolver, sensorID string) ([]sensors.Recipient, error) {
	if access == nil {
		return nil, errors.New("sensors: nil access resolver")
	}
	candidates := make([]sensors.Recipient, 0, 4)

	owner, err := access.GetOwner(ctx, sensorID)
	if err != nil && !errors.Is(err, sensors.ErrNotFound) {
		return nil, &sensors.StoreError{Op: "get owner", SensorID: sensorID, Err: err}
	}
	if owner != nil {
		owner.Role = sensors.RoleOwner
		candidates = append(candidates, *owner)
	}

	shared, err := access.ListAcceptedRecipients(ctx, sensorID)
	if err != nil {
		return nil, &sensors.StoreError{Op: "list recipients", SensorID: sensorID, Err: err}
	}
	candidates = append(candidates, shared...)

	seen := make(map[string]struct{}, len(candidates))
	out := make([]sensors.Recipient, 0, len(candidates))
	for _, recipient := range candidates {
		if !recipient.AlertEnabled {
			continue
		}
		address := recipient.Address()
		if address == "" {
			continue
		}
		if _, ok := seen[address]; ok {
			continue
		}
		seen[address] = struct{}{}
		recipient.Email = address
		out = append(out, recipient)
	}
	return out, nil
}

func addresses(recipients []sensors.Recipient) []string {
	out := make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		out = append(out, recipient.Email)
	}
	return out
}
