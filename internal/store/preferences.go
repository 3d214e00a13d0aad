package store

import "context"

// SavePreference writes the full flag set for a channel.
func (db *DB) SavePreference(ctx context.Context, p *Preference) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO preferences (channel_id, pinned, archived, muted, muted_until, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			pinned = excluded.pinned,
			archived = excluded.archived,
			muted = excluded.muted,
			muted_until = excluded.muted_until,
			updated_at = excluded.updated_at`,
		p.ChannelID, p.Pinned, p.Archived, p.Muted, p.MutedUntil, nowMillis())
	return err
}

// ListPreferences returns every stored preference row.
func (db *DB) ListPreferences(ctx context.Context) ([]Preference, error) {
	rows, err := db.QueryContext(ctx, `SELECT channel_id, pinned, archived, muted, muted_until FROM preferences`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var prefs []Preference
	for rows.Next() {
		var p Preference
		if err := rows.Scan(&p.ChannelID, &p.Pinned, &p.Archived, &p.Muted, &p.MutedUntil); err != nil {
			return nil, err
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}
