package kv

// 鍵命名空間與其他共用同一個 Redis 的服務一致，不可更改。
const (
	roomPrefix          = "gameRoom:"
	userStatePrefix     = "userState:"
	roomLockPrefix      = "lock:gameRoom:"
	userLockPrefix      = "lock:user:"
	userStateLockPrefix = "lock:userState:"
	clientPrefix        = "client:"
	userSessionPrefix   = "user:"
)

// RoomKey gameRoom:<title>
func RoomKey(title string) string { return roomPrefix + title }

// UserStateKey userState:<username>
func UserStateKey(username string) string { return userStatePrefix + username }

// RoomLockKey lock:gameRoom:<title>
func RoomLockKey(title string) string { return roomLockPrefix + title }

// UserLockKey lock:user:<username>，房間操作鎖定玩家時使用
func UserLockKey(username string) string { return userLockPrefix + username }

// UserStateLockKey lock:userState:<username>，同步玩家快取時使用
func UserStateLockKey(username string) string { return userStateLockPrefix + username }

// ClientKey client:<clientId> 連接存活標記
func ClientKey(clientID string) string { return clientPrefix + clientID }

// UserSessionKey user:<userId> 登入存活標記
func UserSessionKey(userID string) string { return userSessionPrefix + userID }
