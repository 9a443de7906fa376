package comm

import (
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/tlsconf"
)

// TLSServerConfig 配置入站 TLS 及证书交换监听
type TLSServerConfig struct {
	Identity          tls.Certificate
	Trust             *tlsconf.DynamicTrustManager
	RequireClientCert bool // true 时客户端必须出示信任库认可的证书
	CertSharing       bool // true 时在端口+1 上提供证书交换边信道
}

// ServerConfig 集中了 Server 的全部构造参数
type ServerConfig struct {
	PeerConfig
	Port           int
	MaxConnections int // 并发连接上限，默认 10000
	TLS            *TLSServerConfig
	Clock          clock.Clock
}

// ServerClient 将一条被接受的入站连接包装为 Peer。服务端不自动重连。
type ServerClient struct {
	*Peer
	connID string
}

// ConnID 返回服务端为该连接分配的唯一 ID
func (sc *ServerClient) ConnID() string { return sc.connID }

// Server 接受入站连接并将每条连接交给应用回调装配
type Server struct {
	localID   string
	protoName string
	cfg       ServerConfig

	// onClient 在连接被接受后、读取循环启动前调用，
	// 应用在这里设置数据回调与监听器
	onClient func(sc *ServerClient)

	ln      net.Listener
	certLn  net.Listener
	sem     chan struct{}
	clients sync.Map // connID -> *ServerClient
	closed  atomic.Bool
}

func NewServer(localID, protoName string, cfg ServerConfig, onClient func(sc *ServerClient)) *Server {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10000
	}
	// 服务端的 Peer 永不自动重连
	cfg.AutoReconnect = false
	return &Server{
		localID:   localID,
		protoName: protoName,
		cfg:       cfg,
		onClient:  onClient,
		sem:       make(chan struct{}, cfg.MaxConnections),
	}
}

// Listen 开始监听并启动接受循环，立即返回
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return err
	}
	s.ln = ln
	logger.InfoF("Server %s listen on %s", s.localID, ln.Addr().String())

	if s.cfg.TLS != nil && s.cfg.TLS.CertSharing {
		certLn, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port+1))
		if err != nil {
			_ = ln.Close()
			return err
		}
		s.certLn = certLn
		logger.InfoF("Server %s certificate sharing listen on %s", s.localID, certLn.Addr().String())
		go s.certSharingLoop()
	}

	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || isNetClosedError(err) {
				return
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		s.sem <- struct{}{}
		go s.handleConn(conn)
	}
}

func (s *Server) certSharingLoop() {
	var localDER []byte
	if len(s.cfg.TLS.Identity.Certificate) > 0 {
		localDER = s.cfg.TLS.Identity.Certificate[0]
	}
	for {
		conn, err := s.certLn.Accept()
		if err != nil {
			if s.closed.Load() || isNetClosedError(err) {
				return
			}
			logger.ErrorF("Accept certificate sharing connection error: %v", err)
			continue
		}
		go serveCertSharing(conn, localDER, s.cfg.TLS.Trust, 30*time.Second)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	connID := uuid.NewString()
	remoteID := conn.RemoteAddr().String()

	if s.cfg.TLS != nil {
		tlsConn := tls.Server(conn, s.cfg.TLS.Trust.ServerConfig(s.cfg.TLS.Identity, s.cfg.TLS.RequireClientCert))
		_ = tlsConn.SetDeadline(time.Now().Add(time.Minute))
		if err := tlsConn.Handshake(); err != nil {
			logger.WarnF("[%s] TLS handshake failed, details: %v", connID, err)
			_ = tlsConn.Close()
			<-s.sem
			return
		}
		_ = tlsConn.SetDeadline(time.Time{})
		if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
			// 客户端证书 CN 即其完整连接 ID
			remoteID = tlsconf.CertificateID(certs[0])
		}
		conn = tlsConn
	}

	sc := &ServerClient{
		Peer:   newPeer(s.localID, remoteID, s.protoName, s.cfg.PeerConfig, s.cfg.Clock),
		connID: connID,
	}

	s.clients.Store(connID, sc)
	sc.AddListener(&ListenerFuncs{
		Disconnect: func(p *Peer, reason DisconnectReason) {
			s.clients.Delete(connID)
			<-s.sem
			logger.DebugF("[%s] Connection closed, reason %s", connID, reason.String())
		},
	})

	if s.onClient != nil {
		s.onClient(sc)
	}
	sc.attach(conn)
}

// Addr 返回实际监听地址，端口 0 启动时可由此取回真实端口
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// GetClient 按连接 ID 查找在线连接
func (s *Server) GetClient(connID string) (*ServerClient, bool) {
	if value, ok := s.clients.Load(connID); ok {
		return value.(*ServerClient), true
	}
	return nil, false
}

// RangeClients 遍历全部在线连接
func (s *Server) RangeClients(f func(sc *ServerClient) bool) {
	s.clients.Range(func(_, value any) bool {
		return f(value.(*ServerClient))
	})
}

// Shutdown 停止接受新连接并断开全部在线连接
func (s *Server) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		if err := s.ln.Close(); err != nil && !isNetClosedError(err) {
			logger.ErrorF("Server close error: %v", err)
		}
	}
	if s.certLn != nil {
		_ = s.certLn.Close()
	}
	s.RangeClients(func(sc *ServerClient) bool {
		_ = sc.Disconnect()
		return true
	})
}
