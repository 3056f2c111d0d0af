package db

import (
	"database/sql"
	"fmt"

	"github.com/rsclarke/flashguard/internal/models"
)

const consentColumns = `id, user_id, consent_type, version, consent_text, ip_address, user_agent,
	granted_at, expires_at, revoked_at`

// UpsertConsent records a grant. Granting a version again replaces the
// earlier grant of that version and clears any revocation.
func UpsertConsent(d *sql.DB, c *models.ConsentRecord) (int64, error) {
	var id int64
	err := d.QueryRow(`INSERT INTO consent_records (
		user_id, consent_type, version, consent_text, ip_address, user_agent, granted_at, expires_at, revoked_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	ON CONFLICT (user_id, consent_type, version) DO UPDATE SET
		consent_text = excluded.consent_text,
		ip_address = excluded.ip_address,
		user_agent = excluded.user_agent,
		granted_at = excluded.granted_at,
		expires_at = excluded.expires_at,
		revoked_at = NULL
	RETURNING id`,
		c.UserID, string(c.Type), c.Version, c.Text, c.IPAddress, c.UserAgent, c.GrantedAt, c.ExpiresAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert consent: %w", err)
	}
	return id, nil
}

// RevokeConsents stamps revoked_at on every active grant of a consent type
// and returns the number of grants revoked.
func RevokeConsents(d *sql.DB, userID string, t models.ConsentType, at int64) (int64, error) {
	result, err := d.Exec(`UPDATE consent_records SET revoked_at = ?
		WHERE user_id = ? AND consent_type = ? AND revoked_at IS NULL`,
		at, userID, string(t))
	if err != nil {
		return 0, fmt.Errorf("revoke consent: %w", err)
	}
	return result.RowsAffected()
}

// ListConsents returns all grants of a user, newest first.
func ListConsents(d *sql.DB, userID string) ([]models.ConsentRecord, error) {
	rows, err := d.Query("SELECT "+consentColumns+" FROM consent_records WHERE user_id = ? ORDER BY granted_at DESC, id DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("query consents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ConsentRecord
	for rows.Next() {
		var c models.ConsentRecord
		var t string
		if err := rows.Scan(&c.ID, &c.UserID, &t, &c.Version, &c.Text, &c.IPAddress, &c.UserAgent,
			&c.GrantedAt, &c.ExpiresAt, &c.RevokedAt); err != nil {
			return nil, err
		}
		c.Type = models.ConsentType(t)
		out = append(out, c)
	}
	return out, rows.Err()
}
