package db

// NullID maps a zero id to SQL NULL.
func NullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
