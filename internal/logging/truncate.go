package logging

// MaxLogFieldLength bounds string fields written to the log, e.g. provider error bodies.
const MaxLogFieldLength = 256

// Truncate shortens s to MaxLogFieldLength characters, appending "..." when cut.
func Truncate(s string) string {
	return TruncateN(s, MaxLogFieldLength)
}

// TruncateN shortens s to n bytes, appending "..." when cut.
func TruncateN(s string, n int) string {
	if n < 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// TruncateSlice keeps the first maxItems entries and replaces the rest
// with a single "... and N more" marker.
func TruncateSlice(items []string, maxItems int) []string {
	if len(items) <= maxItems {
		return items
	}
	out := make([]string, 0, maxItems+1)
	out = append(out, items[:maxItems]...)
	out = append(out, "... and "+itoa(len(items)-maxItems)+" more")
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
