package auth

// Scopes granted to API tokens.
const (
	// ScopeHeartbeatsWrite allows posting and deleting heartbeats.
	ScopeHeartbeatsWrite = "heartbeats:write"
	// ScopeStatsRead allows reading aggregated coding statistics.
	ScopeStatsRead = "stats:read"
)
