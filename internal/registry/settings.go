package registry

import (
	"database/sql"
	"fmt"

	"github.com/treeline-dev/treeline/internal/apperr"
)

// Setting is one key/value pair of the generic settings store consumed
// by the external settings UI. The orchestrator itself reads none of it.
type Setting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ListSettings returns all settings ordered by key.
func (s *Store) ListSettings() ([]Setting, error) {
	rows, err := s.db.Query("SELECT key, value, created_at, updated_at FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	settings := []Setting{}
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		settings = append(settings, st)
	}
	return settings, rows.Err()
}

// GetSetting returns one setting by key.
func (s *Store) GetSetting(key string) (Setting, error) {
	var st Setting
	err := s.db.QueryRow("SELECT key, value, created_at, updated_at FROM settings WHERE key = ?", key).
		Scan(&st.Key, &st.Value, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return Setting{}, &apperr.NotFound{Kind: "setting", ID: key}
	}
	if err != nil {
		return Setting{}, fmt.Errorf("failed to get setting: %w", err)
	}
	return st, nil
}

// SetSetting upserts a setting value.
func (s *Store) SetSetting(key, value string) (Setting, error) {
	ts := now()
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, ts, ts,
	)
	if err != nil {
		return Setting{}, fmt.Errorf("failed to set setting: %w", err)
	}
	return s.GetSetting(key)
}
