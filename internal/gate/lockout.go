package gate

// DefaultMaxAttempts is the failed-password ceiling.
const DefaultMaxAttempts = 3

// locked reports whether failures have reached the ceiling.
func locked(failures, max int) bool {
	return failures >= max
}

// remaining is how many wrong passwords are left before lockout.
func remaining(failures, max int) int {
	if n := max - failures; n > 0 {
		return n
	}
	return 0
}
