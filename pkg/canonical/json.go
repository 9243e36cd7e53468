package canonical

import "encoding/json"

// MarshalJSON renders v as plain JSON. The JSON form is the export
// surface for humans and other implementations; it is not the hash
// input (Encode is).
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON parses plain JSON into a Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cv, err := FromGo(raw)
	if err != nil {
		return err
	}
	*v = cv
	return nil
}
