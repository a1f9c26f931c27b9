package cache

// Key builders for every Redis namespace the service writes.

func RefreshTokenKey(tokenID string) string { return "refresh_token:" + tokenID }

func UserRefreshTokensKey(userID string) string { return "user_refresh_tokens:" + userID }

func APIKeyKey(keyHash string) string { return "api_key:" + keyHash }

func BruteForceKey(ip string) string { return "brute_force:" + ip }

// SuspiciousKey falls back to "anonymous" when no user is attached.
func SuspiciousKey(ip, userID string) string {
	if userID == "" {
		userID = "anonymous"
	}
	return "suspicious:" + ip + ":" + userID
}

func DataAccessKey(userID string) string { return "data_access:" + userID }

func TokenReplayKey(tokenID string) string { return "token_replay:" + tokenID }

func RateKey(subject string) string { return "rate:" + subject }
