package models

// Sentinel keywords produced when no real classification is available.
// They are ordinary vector values and take part in matching.
const (
	KeywordNeutral    = "neutral"
	KeywordOverloaded = "overloaded"
	KeywordError      = "error"
)

// NeutralVector is used when classification is disabled or unsupported
func NeutralVector() []string {
	return []string{KeywordNeutral}
}

// OverloadedVector is used when the classifier stayed overloaded after all retries
func OverloadedVector() []string {
	return []string{KeywordOverloaded}
}

// ErrorVector carries a human readable detail of a failed classification
func ErrorVector(detail string) []string {
	return []string{KeywordError, detail}
}

// IsSentinel reports whether a vector was produced without a successful classification
func IsSentinel(vector []string) bool {
	if len(vector) == 0 {
		return false
	}
	switch vector[0] {
	case KeywordNeutral, KeywordOverloaded:
		return len(vector) == 1
	case KeywordError:
		return len(vector) == 2
	}
	return false
}

// Overlaps reports whether two vectors share at least one keyword.
// Comparison is exact and case sensitive, order is irrelevant.
func Overlaps(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, k := range a {
		seen[k] = struct{}{}
	}
	for _, k := range b {
		if _, ok := seen[k]; ok {
			return true
		}
	}
	return false
}

// Keywords returns the distinct keywords of a vector in first-seen order
func Keywords(vector []string) []string {
	out := make([]string, 0, len(vector))
	seen := make(map[string]struct{}, len(vector))
	for _, k := range vector {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
