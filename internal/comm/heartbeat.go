package comm

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
)

// heartbeatMonitor 在 CONNECTED 期间周期性发送 PINGREQ，
// 在超时窗口内未收到存活信号时以 ReasonTimeout 断开对端。
// 存活信号默认仅由 PINGRESP 触发，HBResetOnData 打开时任意入站数据均触发。
type heartbeatMonitor struct {
	p        *Peer
	alive    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newHeartbeatMonitor(p *Peer) *heartbeatMonitor {
	return &heartbeatMonitor{
		p:      p,
		alive:  make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

func (m *heartbeatMonitor) start() {
	go m.run()
}

func (m *heartbeatMonitor) run() {
	ticker := m.p.clk.Ticker(m.p.cfg.HBInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		// 清掉上个周期迟到的存活信号
		select {
		case <-m.alive:
		default:
		}

		if err := m.p.SendHeartBeatReq(); err != nil {
			// 发送失败已触发 ReasonError 断开
			return
		}

		timer := m.p.clk.Timer(m.p.cfg.HBTimeout)
		select {
		case <-m.alive:
			timer.Stop()
		case <-m.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			logger.WarnF("[%s] Heartbeat timeout, no response from %s within %v",
				m.p.localID, m.p.RemoteID(), m.p.cfg.HBTimeout)
			m.p.closeWithReason(ReasonTimeout)
			return
		}
	}
}

func (m *heartbeatMonitor) notifyAlive() {
	select {
	case m.alive <- struct{}{}:
	default:
	}
}

func (m *heartbeatMonitor) stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}
