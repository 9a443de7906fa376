package gateway

import (
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/broker"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/comm"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/database"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/registrar"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/tlsconf"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/utils"
)

const gatewayVersion = "1.0.0"

// Gateway 组装对象侧与服务侧两个监听器，共享同一个 Broker 与持久层
type Gateway struct {
	conf  config.Config
	store database.GatewayStore
	brk   *broker.Broker
	reg   *registrar.Client

	objSrv *comm.Server
	srvSrv *comm.Server

	statusStop chan struct{}
}

// NewGateway 完成全部装配但不开始监听。UseTLS 为真时为网关生成
// 自签名身份证书，两个端口共用一个动态信任库。
func NewGateway(conf config.Config, store database.GatewayStore) (*Gateway, error) {
	g := &Gateway{
		conf:       conf,
		store:      store,
		brk:        broker.NewBroker(store, store),
		reg:        registrar.NewClient(conf.Registrar.URL),
		statusStop: make(chan struct{}),
	}

	peerCfg := comm.DefaultPeerConfig()
	if conf.Gateway.HeartbeatInterval != "" {
		peerCfg.HBInterval = utils.ParseStringTime(conf.Gateway.HeartbeatInterval)
	}
	if conf.Gateway.HeartbeatTimeout != "" {
		peerCfg.HBTimeout = utils.ParseStringTime(conf.Gateway.HeartbeatTimeout)
	}
	peerCfg.HBResetOnData = conf.Gateway.HeartbeatResetOnData
	if conf.Gateway.Delimiter != "" {
		peerCfg.Delimiter = []byte(conf.Gateway.Delimiter)
	}

	var objTLS, srvTLS *comm.TLSServerConfig
	if conf.Gateway.UseTLS {
		identity, err := tlsconf.GenerateIdentity(conf.Gateway.ServerID)
		if err != nil {
			return nil, err
		}
		trust := tlsconf.NewDynamicTrustManager()
		objTLS = &comm.TLSServerConfig{
			Identity:          identity,
			Trust:             trust,
			RequireClientCert: false,
			CertSharing:       conf.Gateway.CertSharing,
		}
		// 服务侧必须出示客户端证书，证书 CN 即完整服务 ID
		srvTLS = &comm.TLSServerConfig{
			Identity:          identity,
			Trust:             trust,
			RequireClientCert: true,
			CertSharing:       conf.Gateway.CertSharing,
		}
	}

	g.objSrv = comm.NewServer(conf.Gateway.ServerID, "JOSP-O2S", comm.ServerConfig{
		PeerConfig: peerCfg,
		Port:       conf.Gateway.ObjectPort,
		TLS:        objTLS,
	}, g.onObjectClient)

	g.srvSrv = comm.NewServer(conf.Gateway.ServerID, "JOSP-S2O", comm.ServerConfig{
		PeerConfig: peerCfg,
		Port:       conf.Gateway.ServicePort,
		TLS:        srvTLS,
	}, g.onServiceClient)

	return g, nil
}

// Broker 暴露路由核心，主要供状态上报与测试使用
func (g *Gateway) Broker() *broker.Broker { return g.brk }

// onObjectClient 在对象连接被接受后装配 O2S 会话。
// TLS 模式下对象 ID 取自客户端证书 CN，明文模式下从首条报文锁存。
func (g *Gateway) onObjectClient(sc *comm.ServerClient) {
	objID := ""
	if g.conf.Gateway.UseTLS {
		objID = sc.RemoteID()
	}
	NewGWClientO2S(sc, g.store, g.brk, objID)
}

// onServiceClient 在服务连接被接受后装配 S2O 会话。
// 服务身份只能来自客户端证书 CN，身份不合法或未注册的连接被断开。
func (g *Gateway) onServiceClient(sc *comm.ServerClient) {
	if _, err := NewGWClientS2O(sc, g.store, g.brk, sc.RemoteID()); err != nil {
		logger.WarnF("[%s] Reject service connection, details: %v", sc.ConnID(), err)
	}
}

// Startup 上报注册服务并开始监听两个端口
func (g *Gateway) Startup() error {
	if g.reg.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := g.reg.PostStartup(ctx, registrar.GatewayInfo{
			GatewayID:   g.conf.Gateway.ServerID,
			ObjectPort:  g.conf.Gateway.ObjectPort,
			ServicePort: g.conf.Gateway.ServicePort,
			UseTLS:      g.conf.Gateway.UseTLS,
			Version:     gatewayVersion,
		})
		cancel()
		if err != nil {
			// 注册失败不阻止网关服务本地连接
			logger.WarnF("Fail to report startup to registrar, details: %v", err)
		}
	}

	if err := g.objSrv.Listen(); err != nil {
		return err
	}
	if err := g.srvSrv.Listen(); err != nil {
		g.objSrv.Shutdown()
		return err
	}

	if g.reg.Enabled() {
		go g.statusLoop()
	}

	logger.InfoF("Gateway %s started, object port %d, service port %d",
		g.conf.Gateway.ServerID, g.conf.Gateway.ObjectPort, g.conf.Gateway.ServicePort)
	return nil
}

// statusLoop 周期上报在线对象/服务数量，单次失败只记日志等待下个周期
func (g *Gateway) statusLoop() {
	interval := utils.ParseStringTime(g.conf.Registrar.StatusInterval)
	if interval == 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.statusStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := g.reg.PostStatus(ctx, registrar.GatewayStatus{
				GatewayID:     g.conf.Gateway.ServerID,
				ObjectsCount:  g.brk.CountObjects(),
				ServicesCount: g.brk.CountServices(),
				ReportedAt:    time.Now(),
			})
			cancel()
			if err != nil {
				logger.WarnF("Fail to report status to registrar, details: %v", err)
			}
		}
	}
}

// Invoke 实现 event.Callable，在进程收尾时有序关停网关
func (g *Gateway) Invoke(ctx context.Context) error {
	close(g.statusStop)
	g.objSrv.Shutdown()
	g.srvSrv.Shutdown()

	if g.reg.Enabled() {
		grace := utils.ParseStringTime(g.conf.Gateway.ShutdownGrace)
		if grace == 0 {
			grace = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		if err := g.reg.PostShutdown(shutdownCtx, g.conf.Gateway.ServerID); err != nil {
			logger.WarnF("Fail to report shutdown to registrar, details: %v", err)
		}
	}
	logger.Info("Gateway stopped")
	return nil
}
