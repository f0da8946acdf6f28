package postgres

import (
	"context"
	"database/sql"
	"errors"

	sensors "sensor-health/internal/sensors/domain"
)

// AccessRepository resolves alert recipients from ownership and accepted shares.
type AccessRepository struct {
	db *sql.DB
}

// NewAccessRepository constructs a repository.
func NewAccessRepository(db *sql.DB) *AccessRepository {
	return &AccessRepository{db: db}
}

// GetOwner returns the sensor owner. AlertEnabled reflects the owner's email preference.
func (r *AccessRepository) GetOwner(ctx context.Context, sensorID string) (*sensors.Recipient, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("access repo: nil db")
	}
	recipient := sensors.Recipient{Role: sensors.RoleOwner}
	err := r.db.QueryRowContext(ctx, `
SELECT u.id, u.email, u.email_alerts
FROM sensors s
JOIN users u ON u.id = s.owner_id
WHERE s.id = $1`, sensorID).Scan(&recipient.PrincipalID, &recipient.Email, &recipient.AlertEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sensors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &recipient, nil
}

// ListAcceptedRecipients returns users with an accepted share on the sensor.
func (r *AccessRepository) ListAcceptedRecipients(ctx context.Context, sensorID string) ([]sensors.Recipient, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("access repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT u.id, u.email, (sh.alerts_enabled AND u.email_alerts), sh.role
FROM sensor_shares sh
JOIN users u ON u.id = sh.user_id
WHERE sh.sensor_id = $1 AND sh.status = 'accepted'
ORDER BY u.id`, sensorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []sensors.Recipient
	for rows.Next() {
		var recipient sensors.Recipient
		var role string
		if err := rows.Scan(&recipient.PrincipalID, &recipient.Email, &recipient.AlertEnabled, &role); err != nil {
			return nil, err
		}
		recipient.Role = sensors.Role(role)
		result = append(result, recipient)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// HasAccess reports whether the principal owns the sensor or holds an accepted share.
func (r *AccessRepository) HasAccess(ctx context.Context, sensorID, principalID string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("access repo: nil db")
	}
	var ownerID string
	var shared bool
	err := r.db.QueryRowContext(ctx, `
SELECT s.owner_id,
	EXISTS (
		SELECT 1 FROM sensor_shares sh
		WHERE sh.sensor_id = s.id AND sh.user_id = $2 AND sh.status = 'accepted'
	)
FROM sensors s
WHERE s.id = $1`, sensorID, principalID).Scan(&ownerID, &shared)
	if errors.Is(err, sql.ErrNoRows) {
		return false, sensors.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return ownerID == principalID || shared, nil
}
