package wallet

import "strings"

// MaskPayoutIdentifier renders a bank-account-like identifier for display:
// the first and last four characters stay visible, everything between is
// masked, and the result is grouped in fours. Identifiers too short to keep
// both ends are masked entirely.
func MaskPayoutIdentifier(raw string) string {
	clean := strings.ReplaceAll(raw, " ", "")
	if len(clean) <= 8 {
		return strings.Repeat("*", len(clean))
	}
	masked := clean[:4] + strings.Repeat("*", len(clean)-8) + clean[len(clean)-4:]
	var b strings.Builder
	for i := 0; i < len(masked); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(masked) {
			end = len(masked)
		}
		b.WriteString(masked[i:end])
	}
	return b.String()
}
