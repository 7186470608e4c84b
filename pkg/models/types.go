package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringSlice persiste uno slice di stringhe come JSON in una colonna TEXT,
// evitando una tabella di join per dati che non vengono mai interrogati
// singolarmente (permessi, metodi HTTP consentiti).
type StringSlice []string

// Value implementa driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implementa sql.Scanner.
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("models: unsupported Scan type for StringSlice: %T", value)
	}
	if len(bytes) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(bytes, s)
}
