package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agentguard"
)

// Префиксы сторов (store.NewRedis)
const (
	RedisPrefixCredentials = RedisNamespace + ":credentials"
	RedisPrefixPermissions = RedisNamespace + ":permissions"
	RedisPrefixRateWindows = RedisNamespace + ":ratelimit:windows"
	RedisPrefixRateLimits  = RedisNamespace + ":ratelimit:overrides"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanRevocation — "agentID:revoked" при отзыве агента на любом инстансе.
	RedisChanRevocation = RedisNamespace + ":agents:revocation-signal"
)
