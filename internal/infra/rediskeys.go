package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "fleet"
)

// Ключи для состояния
const (
	RedisKeySessionPrefix  = RedisNamespace + ":session:"
	RedisKeySessionIndex   = RedisNamespace + ":sessions:index"
	RedisKeyBlockedAccount = RedisNamespace + ":accounts:blocked_set"
	RedisKeyLockLeader     = RedisNamespace + ":lock:leader"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanCommands несет команды оператора, например "scale-up:5", "scale-down:3", "reconcile:0".
	RedisChanCommands      = RedisNamespace + ":commands"
	RedisChanAccountSignal = RedisNamespace + ":accounts:block-signal"
	RedisChanAlerts        = RedisNamespace + ":alerts"
)

// SessionKey: ключ записи сессии.
func SessionKey(id string) string {
	return RedisKeySessionPrefix + id
}
