package comm

import (
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/tlsconf"
)

// TLSClientConfig 配置出站 TLS 连接与证书交换行为
type TLSClientConfig struct {
	Identity           *tls.Certificate             // 本端身份证书，可为空
	Trust              *tlsconf.DynamicTrustManager // 服务端证书校验所用信任库
	CertSharing        bool                         // 握手因证书不可信失败时是否走证书交换边信道
	CertSharingTimeout time.Duration                // 边信道整体超时，默认 30s
}

// ClientConfig 集中了 Client 的全部构造参数
type ClientConfig struct {
	PeerConfig
	Address     string
	Port        int
	DialTimeout time.Duration // 默认 30s
	TLS         *TLSClientConfig
	Clock       clock.Clock // 为空时使用系统时钟
}

// Client 是会主动建立出站连接并在意外断开后自动重连的 Peer。
// 自动重连仅由 REMOTE_REQUEST/ERROR/TIMEOUT 断开触发，本地断开不触发。
type Client struct {
	*Peer
	ccfg ClientConfig

	reconnectMu   sync.Mutex
	reconnectStop chan struct{}
}

func NewClient(localID, remoteID, protoName string, cfg ClientConfig) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.TLS != nil && cfg.TLS.CertSharingTimeout == 0 {
		cfg.TLS.CertSharingTimeout = 30 * time.Second
	}
	c := &Client{
		Peer: newPeer(localID, remoteID, protoName, cfg.PeerConfig, cfg.Clock),
		ccfg: cfg,
	}
	c.Peer.onDisconnected = c.handleDisconnected
	c.Peer.abortWaiting = c.stopReconnectTimer
	return c
}

// Connect 建立连接。已在连接中或已连接时为空操作。
// 对端不可达且启用自动重连时进入 WAITING_RECONNECT 并返回错误，
// 配置性失败（如主机名无法解析）以 ReasonError 终止并返回错误。
func (c *Client) Connect() error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting, StateWaitingReconnect:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.emitConnecting()

	conn, err := c.dial()
	if err != nil {
		return c.handleConnectError(err)
	}

	c.stopReconnectTimer()
	c.attach(conn)
	logger.InfoF("[%s] Connected to %s:%d", c.localID, c.ccfg.Address, c.ccfg.Port)
	return nil
}

func (c *Client) handleConnectError(err error) error {
	var wrapped error
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		wrapped = &UnknownHostError{Host: c.ccfg.Address, Err: err}
	} else {
		wrapped = &ConnectionError{Host: c.ccfg.Address, Port: c.ccfg.Port, Err: err}
	}

	if c.cfg.AutoReconnect && isRemoteUnreachable(err) {
		logger.WarnF("[%s] Remote unreachable, scheduling reconnect every %v, details: %v",
			c.localID, c.cfg.ReconnectDelay, err)
		c.mu.Lock()
		c.state = StateWaitingReconnect
		c.mu.Unlock()
		c.emitWaiting()
		c.startReconnectLoop()
		return wrapped
	}

	logger.ErrorF("[%s] Fail to connect %s:%d, details: %v", c.localID, c.ccfg.Address, c.ccfg.Port, err)
	c.mu.Lock()
	c.state = StateDisconnected
	c.reason = ReasonError
	c.mu.Unlock()
	c.emitDisconnect(ReasonError)
	return wrapped
}

// dial 建立并升级套接字。TLS 握手因证书不可信失败且启用证书交换时，
// 走一次端口+1 的证书交换后重试握手一次。
func (c *Client) dial() (net.Conn, error) {
	addr := net.JoinHostPort(c.ccfg.Address, strconv.Itoa(c.ccfg.Port))
	if c.ccfg.TLS == nil {
		return net.DialTimeout("tcp", addr, c.ccfg.DialTimeout)
	}

	t := c.ccfg.TLS
	dialer := &net.Dialer{Timeout: c.ccfg.DialTimeout}
	tlsCfg := t.Trust.ClientConfig(t.Identity)

	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	if err == nil || !t.CertSharing || !errors.Is(err, tlsconf.ErrUntrustedCertificate) {
		return conn, err
	}

	logger.InfoF("[%s] Server certificate untrusted, starting certificate sharing with %s:%d",
		c.localID, c.ccfg.Address, c.ccfg.Port+1)
	var localDER []byte
	if t.Identity != nil && len(t.Identity.Certificate) > 0 {
		localDER = t.Identity.Certificate[0]
	}
	shareAddr := net.JoinHostPort(c.ccfg.Address, strconv.Itoa(c.ccfg.Port+1))
	if shareErr := shareCertificates(shareAddr, localDER, t.Trust, t.CertSharingTimeout); shareErr != nil {
		return nil, shareErr
	}

	return tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
}

// handleDisconnected 在断开事件后运行：意外断开先内联重试一次，
// 失败则转入 WAITING_RECONNECT 并启动重连定时器
func (c *Client) handleDisconnected(reason DisconnectReason) {
	if !c.cfg.AutoReconnect || reason == ReasonLocalRequest {
		return
	}
	go func() {
		if c.reconnectOnce() {
			return
		}
		c.mu.Lock()
		if c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.state = StateWaitingReconnect
		c.mu.Unlock()
		c.emitWaiting()
		c.startReconnectLoop()
	}()
}

// reconnectOnce 尝试一次重连。返回 true 表示不需要继续重试
// （连接成功，或其间发生了本地断开/并发连接）。
func (c *Client) reconnectOnce() bool {
	conn, err := c.dial()
	if err != nil {
		logger.DebugF("[%s] Reconnect attempt failed, details: %v", c.localID, err)
		return false
	}

	// 状态检查与接管同处一个临界区，并发的手动 Connect
	// 不会让两个套接字同时挂在一个 Peer 上
	attached := c.attachIf(conn, func(state ConnectionState, reason DisconnectReason) bool {
		if state == StateConnected || state == StateConnecting {
			return false
		}
		return state != StateDisconnected || reason != ReasonLocalRequest
	})
	if !attached {
		_ = conn.Close()
		return true
	}

	c.stopReconnectTimer()
	logger.InfoF("[%s] Reconnected to %s:%d", c.localID, c.ccfg.Address, c.ccfg.Port)
	return true
}

func (c *Client) startReconnectLoop() {
	c.reconnectMu.Lock()
	if c.reconnectStop != nil {
		c.reconnectMu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.reconnectStop = stop
	c.reconnectMu.Unlock()

	go func() {
		ticker := c.clk.Ticker(c.cfg.ReconnectDelay)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if c.reconnectOnce() {
					c.stopReconnectTimer()
					return
				}
			}
		}
	}()
}

func (c *Client) stopReconnectTimer() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	if c.reconnectStop != nil {
		close(c.reconnectStop)
		c.reconnectStop = nil
	}
}
