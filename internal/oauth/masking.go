package oauth

// MaskSecret renders a secret safe for logs and status output by showing
// the first 3 and last 4 characters. Secrets of 8 characters or fewer are
// fully masked. Every log statement that would otherwise carry a token or
// client secret goes through this.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:3] + "***" + secret[len(secret)-4:]
}
