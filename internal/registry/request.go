package registry

// String returns the string parameter key, or def when absent or not a string.
func (r *Request) String(key, def string) string {
	if v, ok := r.Params[key].(string); ok {
		return v
	}
	return def
}

// Number returns the numeric parameter key as a float64, or def.
func (r *Request) Number(key string, def float64) float64 {
	switch v := r.Params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Bool returns the boolean parameter key, or def.
func (r *Request) Bool(key string, def bool) bool {
	if v, ok := r.Params[key].(bool); ok {
		return v
	}
	return def
}
