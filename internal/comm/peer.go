package comm

import (
	"bufio"
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
)

// 保留字面量，在进入应用层解析之前逐字节比对
const (
	HBReqMsg         = "PINGREQ"
	HBResMsg         = "PINGRESP"
	DefaultByeMsg    = "DISCONNECT"
	DefaultDelimiter = "\n##\n"
)

// maxFrameSize 限制单帧大小，超长帧视为流错误
const maxFrameSize = 1 << 20

// PeerConfig 集中了对端连接的全部可选行为配置
type PeerConfig struct {
	Delimiter      []byte        // 帧分隔符，默认 DefaultDelimiter
	HBInterval     time.Duration // 心跳请求周期，0 表示关闭心跳
	HBTimeout      time.Duration // 心跳应答超时，超时后以 ReasonTimeout 断开
	HBReply        bool          // 是否应答对端的 PINGREQ
	HBResetOnData  bool          // true 时任意入站数据均视为存活信号，false 时仅 PINGRESP
	ByeEnabled     bool          // 断开前是否发送告别报文
	ByeMsg         []byte        // 告别报文内容，默认 DefaultByeMsg
	AutoReconnect  bool          // 非本地断开后是否自动重连（仅 Client 生效）
	ReconnectDelay time.Duration // 重连定时器周期
}

// DefaultPeerConfig 返回各字段的默认值
func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		Delimiter:      []byte(DefaultDelimiter),
		HBInterval:     30 * time.Second,
		HBTimeout:      30 * time.Second,
		HBReply:        true,
		ByeEnabled:     true,
		ByeMsg:         []byte(DefaultByeMsg),
		AutoReconnect:  true,
		ReconnectDelay: 5 * time.Second,
	}
}

func (cfg *PeerConfig) normalize() {
	if len(cfg.Delimiter) == 0 {
		cfg.Delimiter = []byte(DefaultDelimiter)
	}
	if cfg.ByeEnabled && len(cfg.ByeMsg) == 0 {
		cfg.ByeMsg = []byte(DefaultByeMsg)
	}
	if cfg.AutoReconnect && cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HBInterval > 0 && cfg.HBTimeout == 0 {
		cfg.HBTimeout = cfg.HBInterval
	}
}

// Stats 记录单个连接生命周期内的统计信息，断开重连后清零
type Stats struct {
	BytesTx            uint64
	BytesRx            uint64
	HBReqTx            uint64
	HBReqRx            uint64
	HBResTx            uint64
	HBResRx            uint64
	LastConnectedAt    time.Time
	LastDisconnectedAt time.Time
	LastDataRxAt       time.Time
	LastDataTxAt       time.Time
}

// ConnectionListener 接收连接生命周期事件，按注册顺序同步调用。
// 监听器不得长时间阻塞，否则会拖慢触发事件的连接自身的处理循环。
type ConnectionListener interface {
	OnConnecting(p *Peer)
	OnWaiting(p *Peer)
	OnConnect(p *Peer)
	OnDisconnecting(p *Peer)
	OnDisconnect(p *Peer, reason DisconnectReason)
	OnFail(p *Peer, what string, err error)
}

// ListenerFuncs 以函数字段实现 ConnectionListener，nil 字段忽略对应事件
type ListenerFuncs struct {
	Connecting    func(p *Peer)
	Waiting       func(p *Peer)
	Connect       func(p *Peer)
	Disconnecting func(p *Peer)
	Disconnect    func(p *Peer, reason DisconnectReason)
	Fail          func(p *Peer, what string, err error)
}

func (l *ListenerFuncs) OnConnecting(p *Peer) {
	if l.Connecting != nil {
		l.Connecting(p)
	}
}

func (l *ListenerFuncs) OnWaiting(p *Peer) {
	if l.Waiting != nil {
		l.Waiting(p)
	}
}

func (l *ListenerFuncs) OnConnect(p *Peer) {
	if l.Connect != nil {
		l.Connect(p)
	}
}

func (l *ListenerFuncs) OnDisconnecting(p *Peer) {
	if l.Disconnecting != nil {
		l.Disconnecting(p)
	}
}

func (l *ListenerFuncs) OnDisconnect(p *Peer, reason DisconnectReason) {
	if l.Disconnect != nil {
		l.Disconnect(p, reason)
	}
}

func (l *ListenerFuncs) OnFail(p *Peer, what string, err error) {
	if l.Fail != nil {
		l.Fail(p, what, err)
	}
}

// Peer 拥有一条已连接的分帧字节流及其状态机。
// 不变式：处于 StateDisconnected 时底层套接字引用为 nil，
// 每个连接生命周期恰好持有一个套接字。
type Peer struct {
	localID   string
	protoName string
	cfg       PeerConfig
	clk       clock.Clock

	mu       sync.Mutex
	remoteID string
	state    ConnectionState
	reason   DisconnectReason
	conn     net.Conn
	stats    Stats
	hb       *heartbeatMonitor

	listenersMu sync.Mutex
	listeners   []ConnectionListener

	// processData 处理一帧应用数据，返回 false 表示数据被拒绝（触发 OnFail，不断开）
	processData func(data []byte) bool

	// onDisconnected 在断开事件之后被调用，Client 用它驱动自动重连
	onDisconnected func(reason DisconnectReason)
	// abortWaiting 在 WaitingReconnect 状态下本地断开时被调用，Client 用它停止重连定时器
	abortWaiting func()
}

func newPeer(localID, remoteID, protoName string, cfg PeerConfig, clk clock.Clock) *Peer {
	cfg.normalize()
	if clk == nil {
		clk = clock.New()
	}
	return &Peer{
		localID:   localID,
		remoteID:  remoteID,
		protoName: protoName,
		cfg:       cfg,
		clk:       clk,
		state:     StateDisconnected,
		reason:    ReasonNotDisconnected,
	}
}

func (p *Peer) LocalID() string   { return p.localID }
func (p *Peer) ProtoName() string { return p.protoName }

func (p *Peer) RemoteID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteID
}

// SetRemoteID 在会话从首条报文得知对端身份后回填
func (p *Peer) SetRemoteID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteID = id
}

func (p *Peer) State() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) IsConnected() bool {
	return p.State() == StateConnected
}

func (p *Peer) LastDisconnectReason() DisconnectReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *Peer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Peer) Config() PeerConfig { return p.cfg }

// AddListener 注册生命周期监听器，按注册顺序同步调用
func (p *Peer) AddListener(l ConnectionListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners = append(p.listeners, l)
}

// SetDataHandler 设置应用数据回调，须在连接建立前设置
func (p *Peer) SetDataHandler(handler func(data []byte) bool) {
	p.processData = handler
}

func (p *Peer) snapshotListeners() []ConnectionListener {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	return append([]ConnectionListener(nil), p.listeners...)
}

func (p *Peer) emitConnecting() {
	for _, l := range p.snapshotListeners() {
		l.OnConnecting(p)
	}
}

func (p *Peer) emitWaiting() {
	for _, l := range p.snapshotListeners() {
		l.OnWaiting(p)
	}
}

func (p *Peer) emitConnect() {
	for _, l := range p.snapshotListeners() {
		l.OnConnect(p)
	}
}

func (p *Peer) emitDisconnecting() {
	for _, l := range p.snapshotListeners() {
		l.OnDisconnecting(p)
	}
}

func (p *Peer) emitDisconnect(reason DisconnectReason) {
	for _, l := range p.snapshotListeners() {
		l.OnDisconnect(p, reason)
	}
}

func (p *Peer) emitFail(what string, err error) {
	logger.WarnF("[%s] %s, details: %v", p.localID, what, err)
	for _, l := range p.snapshotListeners() {
		l.OnFail(p, what, err)
	}
}

// attach 接管一个已建立的套接字：进入 CONNECTED、清零统计、
// 启动读取循环与心跳监视器
func (p *Peer) attach(conn net.Conn) {
	p.attachIf(conn, nil)
}

// attachIf 在同一临界区内完成状态检查与套接字接管，
// 检查不通过时返回 false 且不触碰现有套接字。
// 一个连接生命周期内至多持有一个套接字依赖于这里的原子性。
func (p *Peer) attachIf(conn net.Conn, ok func(state ConnectionState, reason DisconnectReason) bool) bool {
	p.mu.Lock()
	if ok != nil && !ok(p.state, p.reason) {
		p.mu.Unlock()
		return false
	}
	p.conn = conn
	p.state = StateConnected
	p.reason = ReasonNotDisconnected
	p.stats = Stats{LastConnectedAt: p.clk.Now()}
	if p.cfg.HBInterval > 0 {
		p.hb = newHeartbeatMonitor(p)
	}
	hb := p.hb
	p.mu.Unlock()

	if hb != nil {
		hb.start()
	}
	go p.readLoop(conn)
	p.emitConnect()
	return true
}

// splitFrames 返回按多字节分隔符切分的 bufio.SplitFunc
func splitFrames(delimiter []byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if idx := bytes.Index(data, delimiter); idx >= 0 {
			return idx + len(delimiter), data[:idx], nil
		}
		if atEOF && len(data) > 0 {
			// 末尾不完整帧直接丢弃，交由错误路径处理
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
}

// readLoop 是每个连接独占的入站处理循环：保留字面量在这里被拦截，
// 其余帧按到达顺序交给应用回调
func (p *Peer) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	scanner.Split(splitFrames(p.cfg.Delimiter))

	for scanner.Scan() {
		data := append([]byte(nil), scanner.Bytes()...)

		p.mu.Lock()
		p.stats.BytesRx += uint64(len(data) + len(p.cfg.Delimiter))
		p.stats.LastDataRxAt = p.clk.Now()
		hb := p.hb
		p.mu.Unlock()

		switch {
		case bytes.Equal(data, []byte(HBReqMsg)):
			p.mu.Lock()
			p.stats.HBReqRx++
			p.mu.Unlock()
			if p.cfg.HBReply {
				if err := p.sendFrame([]byte(HBResMsg)); err != nil {
					return
				}
				p.mu.Lock()
				p.stats.HBResTx++
				p.mu.Unlock()
			}

		case bytes.Equal(data, []byte(HBResMsg)):
			p.mu.Lock()
			p.stats.HBResRx++
			p.mu.Unlock()
			if hb != nil {
				hb.notifyAlive()
			}

		case p.cfg.ByeEnabled && bytes.Equal(data, p.cfg.ByeMsg):
			logger.InfoF("[%s] Remote peer %s sent bye message", p.localID, p.RemoteID())
			p.closeWithReason(ReasonRemoteRequest)
			return

		default:
			if p.cfg.HBResetOnData && hb != nil {
				hb.notifyAlive()
			}
			if p.processData == nil || !p.processData(data) {
				p.emitFail("Data rejected by application", nil)
			}
		}
	}

	if err := scanner.Err(); err != nil && !isNetClosedError(err) {
		handleReadError(p.localID, err)
	}
	// 本地断开流程关闭套接字也会走到这里，此时状态已不是 CONNECTED
	if p.State() == StateConnected {
		p.closeWithReason(ReasonError)
	}
}

// sendFrame 追加分隔符后完整写出，不更新应用数据统计
func (p *Peer) sendFrame(data []byte) error {
	p.mu.Lock()
	conn := p.conn
	state := p.state
	p.mu.Unlock()

	if conn == nil || state != StateConnected {
		return &NotConnectedError{PeerID: p.localID}
	}

	frame := make([]byte, 0, len(data)+len(p.cfg.Delimiter))
	frame = append(frame, data...)
	frame = append(frame, p.cfg.Delimiter...)

	if err := writeFull(conn, frame); err != nil {
		logger.ErrorF("[%s] Fail to send data, details: %v", p.localID, err)
		go p.closeWithReason(ReasonError)
		return &StreamError{PeerID: p.localID, Err: err}
	}

	p.mu.Lock()
	p.stats.BytesTx += uint64(len(frame))
	p.mu.Unlock()
	return nil
}

// SendData 发送一帧应用数据
func (p *Peer) SendData(data []byte) error {
	if err := p.sendFrame(data); err != nil {
		return err
	}
	p.mu.Lock()
	p.stats.LastDataTxAt = p.clk.Now()
	p.mu.Unlock()
	return nil
}

// SendString 以 UTF-8 编码发送文本帧
func (p *Peer) SendString(data string) error {
	return p.SendData([]byte(data))
}

// SendHeartBeatReq 主动发送一次心跳请求
func (p *Peer) SendHeartBeatReq() error {
	if err := p.sendFrame([]byte(HBReqMsg)); err != nil {
		return err
	}
	p.mu.Lock()
	p.stats.HBReqTx++
	p.mu.Unlock()
	return nil
}

// Disconnect 主动断开连接，幂等。
// WaitingReconnect 状态下没有套接字，直接停止重连并进入 DISCONNECTED。
func (p *Peer) Disconnect() error {
	p.mu.Lock()
	if p.state == StateWaitingReconnect {
		p.state = StateDisconnected
		p.reason = ReasonLocalRequest
		abort := p.abortWaiting
		p.mu.Unlock()
		if abort != nil {
			abort()
		}
		p.emitDisconnect(ReasonLocalRequest)
		return nil
	}
	p.mu.Unlock()

	p.closeWithReason(ReasonLocalRequest)
	return nil
}

// closeWithReason 执行断开流程。已有断开流程在进行或已断开时为空操作；
// 首个到达的原因被锁存，后续调用不覆盖。
func (p *Peer) closeWithReason(reason DisconnectReason) {
	p.mu.Lock()
	if p.state == StateDisconnected || p.state == StateDisconnecting {
		p.mu.Unlock()
		return
	}
	if p.reason == ReasonNotDisconnected {
		p.reason = reason
	}
	reason = p.reason
	p.state = StateDisconnecting
	conn := p.conn
	hb := p.hb
	p.hb = nil
	p.mu.Unlock()

	p.emitDisconnecting()

	if hb != nil {
		hb.stop()
	}

	if conn != nil {
		if p.cfg.ByeEnabled && reason == ReasonLocalRequest {
			// 尽力而为，失败不影响断开
			frame := append(append([]byte(nil), p.cfg.ByeMsg...), p.cfg.Delimiter...)
			_ = writeFull(conn, frame)
		}
		if err := conn.Close(); err != nil && !isNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", p.localID, err)
		}
	}

	p.mu.Lock()
	p.conn = nil
	p.state = StateDisconnected
	p.stats.LastDisconnectedAt = p.clk.Now()
	p.mu.Unlock()

	p.emitDisconnect(reason)

	// 重连钩子在监听器之后调用，Client 据此决定是否自动重连
	if p.onDisconnected != nil {
		p.onDisconnected(reason)
	}
}

// writeFull 完整写出缓冲区
func writeFull(conn net.Conn, data []byte) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}
