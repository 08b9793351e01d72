package limiter

// LimitBy types
const (
	LimitByIP       = "ip"
	LimitByAPIKey   = "api_key"
	LimitByUserID   = "user_id"
	LimitByClientID = "client_id"
)

// AnonymousIdentity is the bucket value shared by requests that carry no
// identifier for a rule.
const AnonymousIdentity = "anonymous"

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

const (
	defaultShards    = 64
	defaultIdleAfter = 10
	defaultRuleName  = "*"
)
