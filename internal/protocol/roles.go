package protocol

// 服务目录中的角色名，均为大写。
const (
	RoleHeartbeat = "HEARTBEAT_AGENT"
	RoleCoin      = "COIN_AGENT"
	RoleNews      = "CRYPTONEWS_AGENT"
	RoleSentiment = "FGI_AGENT"
	RoleReasoning = "REASON_AGENT"
	RoleSwap      = "SWAPLAND_AGENT"
	RoleReward    = "REWARD_AGENT"
	RoleTopup     = "TOPUP_AGENT"
)
