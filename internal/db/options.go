package db

import (
	"fmt"
	"time"
)

// OptionChange is one audited set_option.
type OptionChange struct {
	Key     string    `json:"key"`
	Value   string    `json:"value"`
	Source  string    `json:"source"`
	Changed time.Time `json:"changed"`
}

// RecordOptionChange appends to the option audit log.
func (db *DB) RecordOptionChange(key, value, source string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO option_changes (option_key, option_value, source, changed_unix) VALUES (?, ?, ?, ?)`,
		key, value, source, unixSeconds(at),
	)
	if err != nil {
		return fmt.Errorf("record option change: %w", err)
	}
	return nil
}

// OptionChanges returns up to limit changes, newest first.
func (db *DB) OptionChanges(limit int) ([]OptionChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT option_key, option_value, source, changed_unix
		FROM option_changes ORDER BY change_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OptionChange
	for rows.Next() {
		var (
			c  OptionChange
			at float64
		)
		if err := rows.Scan(&c.Key, &c.Value, &c.Source, &at); err != nil {
			return nil, err
		}
		c.Changed = fromUnix(at)
		out = append(out, c)
	}
	return out, rows.Err()
}
