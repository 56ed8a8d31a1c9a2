package controllers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// portValue accepts a port written either as a JSON number or a string.
type portValue string

func (p *portValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = portValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("port must be a number or string: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("port must be an integer")
	}
	*p = portValue(n.String())
	return nil
}
