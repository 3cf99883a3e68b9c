package stores

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// nullableJSON marshals v for a nullable TEXT column. Nil or empty values
// become NULL.
func nullableJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return sql.NullString{}, nil
		}
		return sql.NullString{String: string(raw), Valid: true}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode json column: %w", err)
	}
	if string(raw) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// decodeJSON unmarshals a nullable TEXT column into out. NULL leaves out
// untouched.
func decodeJSON(col sql.NullString, out interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), out); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}

// rawJSON converts a nullable TEXT column back to a RawMessage.
func rawJSON(col sql.NullString) json.RawMessage {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.RawMessage(col.String)
}

// nullTime converts an optional timestamp to a sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr converts a sql.NullTime back to an optional timestamp.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullStr converts an optional string (empty means NULL) for nullable
// TEXT columns.
func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// strVal converts a nullable TEXT column back to a plain string.
func strVal(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

// nullID converts an optional foreign key to a sql.NullInt64.
func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

// idPtr converts a sql.NullInt64 back to an optional foreign key.
func idPtr(id sql.NullInt64) *int64 {
	if !id.Valid {
		return nil
	}
	v := id.Int64
	return &v
}
