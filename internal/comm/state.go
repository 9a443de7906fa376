// Package comm 实现了网关与对端之间的连接生命周期管理：
// 分帧字节流、连接状态机、心跳保活、告别报文与自动重连。
package comm

// ConnectionState 定义了对端连接状态机的状态
type ConnectionState byte

// 连接状态常量定义
const (
	StateDisconnected     ConnectionState = iota // 未连接，无底层套接字
	StateConnecting                              // 正在建立连接
	StateWaitingReconnect                        // 连接失败后等待自动重连（Connecting 的子状态）
	StateConnected                               // 已连接
	StateDisconnecting                           // 正在断开
)

// connectionStateMap 将 ConnectionState 映射到其字符串表示
var connectionStateMap = map[ConnectionState]string{
	StateDisconnected:     "DISCONNECTED",
	StateConnecting:       "CONNECTING",
	StateWaitingReconnect: "WAITING_RECONNECT",
	StateConnected:        "CONNECTED",
	StateDisconnecting:    "DISCONNECTING",
}

// String 返回 ConnectionState 的字符串表示
func (state ConnectionState) String() string {
	return connectionStateMap[state]
}

// DisconnectReason 定义了最近一次断开的原因
type DisconnectReason byte

// 断开原因常量定义，每次断开事件恰好携带一个原因
const (
	ReasonNotDisconnected DisconnectReason = iota // 初始状态或连接中
	ReasonLocalRequest                            // 本地主动断开
	ReasonRemoteRequest                           // 收到对端告别报文
	ReasonError                                   // 套接字读写失败
	ReasonTimeout                                 // 心跳超时
)

var disconnectReasonMap = map[DisconnectReason]string{
	ReasonNotDisconnected: "NOT_DISCONNECTED",
	ReasonLocalRequest:    "LOCAL_REQUEST",
	ReasonRemoteRequest:   "REMOTE_REQUEST",
	ReasonError:           "ERROR",
	ReasonTimeout:         "TIMEOUT",
}

// String 返回 DisconnectReason 的字符串表示
func (reason DisconnectReason) String() string {
	return disconnectReasonMap[reason]
}
