package toolserver

// ClampLimit normalizes a requested page size: absent (zero) falls back to
// the default, and everything is clamped into [1, max].
func ClampLimit(requested, fallback, max int) int {
	if requested <= 0 {
		requested = fallback
	}
	if requested > max {
		requested = max
	}
	if requested < 1 {
		requested = 1
	}
	return requested
}

// Page trims a limit+1 overfetch to the page and reports whether another
// page exists. The extra row is discarded; its presence is the signal.
func Page[T any](rows []T, limit int) ([]T, bool) {
	if len(rows) > limit {
		return rows[:limit], true
	}
	return rows, false
}
