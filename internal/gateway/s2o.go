package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/broker"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/comm"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/database"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/protocol"
)

// NotRegisteredError 表示连接服务的 srvId 在注册表中不存在，会话被拒绝
type NotRegisteredError struct {
	SrvID string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("service %s is not registered on this gateway", e.SrvID)
}

// GWClientS2O 是服务侧会话处理器：鉴权后把服务指令经 Broker 转发给
// 目标对象，并就地应答历史查询。
// fullID 形如 srvId/usrId/instId，在 TLS 模式下取自客户端证书 CN。
type GWClientS2O struct {
	client *comm.ServerClient
	store  database.GatewayStore
	brk    *broker.Broker

	fullID string
	srvID  string
	usrID  string
	instID string
}

// NewGWClientS2O 校验服务身份并装配会话。srvId 未注册时断开连接并返回
// NotRegisteredError，调用方无需再做清理。
func NewGWClientS2O(client *comm.ServerClient, store database.GatewayStore, brk *broker.Broker, fullID string) (*GWClientS2O, error) {
	srvID, usrID, instID, err := splitFullSrvID(fullID)
	if err != nil {
		rejectSession(client)
		return nil, err
	}

	if _, err := store.GetService(srvID); err != nil {
		rejectSession(client)
		if errors.Is(err, database.RecordNotFoundError) {
			return nil, &NotRegisteredError{SrvID: srvID}
		}
		return nil, err
	}

	s := &GWClientS2O{
		client: client,
		store:  store,
		brk:    brk,
		fullID: srvID + "/" + usrID + "/" + instID,
		srvID:  srvID,
		usrID:  usrID,
		instID: instID,
	}
	client.SetRemoteID(s.fullID)

	if err := store.SaveServiceStatus(&database.ServiceStatusRecord{
		FullID:          s.fullID,
		SrvID:           srvID,
		UsrID:           usrID,
		InstID:          instID,
		Online:          true,
		LastConnectedAt: time.Now(),
	}); err != nil {
		logger.WarnF("[%s] Fail to save status of service %s, details: %v", client.ConnID(), s.fullID, err)
	}

	client.SetDataHandler(s.processData)
	client.AddListener(&comm.ListenerFuncs{
		Disconnect: func(_ *comm.Peer, reason comm.DisconnectReason) {
			s.onDisconnect(reason)
		},
	})
	s.brk.RegisterService(s)
	return s, nil
}

// rejectSession 安排被拒绝的连接在进入已连接状态后立刻断开。
// 装配回调先于连接接管运行，此时还没有可关闭的套接字。
func rejectSession(client *comm.ServerClient) {
	client.AddListener(&comm.ListenerFuncs{
		Connect: func(p *comm.Peer) {
			_ = p.Disconnect()
		},
	})
}

// splitFullSrvID 解析 srvId/usrId/instId，instId 缺省时生成新实例 ID
func splitFullSrvID(fullID string) (srvID, usrID, instID string, err error) {
	parts := strings.Split(fullID, "/")
	switch len(parts) {
	case 2:
		parts = append(parts, uuid.NewString())
	case 3:
	default:
		return "", "", "", fmt.Errorf("malformed full service id %q", fullID)
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed full service id %q", fullID)
	}
	return parts[0], parts[1], parts[2], nil
}

// FullID 实现 broker.ServiceSession
func (s *GWClientS2O) FullID() string { return s.fullID }

// SrvID 实现 broker.ServiceSession
func (s *GWClientS2O) SrvID() string { return s.srvID }

// UsrID 实现 broker.ServiceSession
func (s *GWClientS2O) UsrID() string { return s.usrID }

// Send 实现 broker.ServiceSession
func (s *GWClientS2O) Send(data []byte) error {
	return s.client.SendData(data)
}

func (s *GWClientS2O) processData(data []byte) bool {
	var (
		handled bool
		err     error
	)
	switch {
	case protocol.IsObjectSetNameMsg(data),
		protocol.IsObjectSetOwnerMsg(data),
		protocol.IsObjectAddPermMsg(data),
		protocol.IsObjectUpdPermMsg(data),
		protocol.IsObjectRemPermMsg(data):
		handled, err = true, s.forwardToObject(data, protocol.PermCoOwner)
	case protocol.IsObjectActionMsg(data):
		handled, err = true, s.forwardToObject(data, protocol.PermActions)
	case protocol.IsHistoryEventsReqMsg(data):
		handled, err = true, s.processHistoryEventsReq(data)
	case protocol.IsHistoryCompStateReqMsg(data):
		handled, err = true, s.processHistoryCompStateReq(data)
	default:
		logger.WarnF("[%s] Unknown message from service %s", s.client.ConnID(), s.fullID)
		return false
	}

	if err != nil {
		logger.WarnF("[%s] Fail to process message from service %s, details: %v",
			s.client.ConnID(), s.fullID, err)
	}
	return handled
}

// forwardToObject 鉴权并把指令原样投递给目标对象。
// 权限不足与对象离线都只记日志丢弃，对服务侧连接无副作用。
func (s *GWClientS2O) forwardToObject(data []byte, min protocol.PermType) error {
	objID, err := protocol.GetMsgObjID(data)
	if err != nil {
		return err
	}

	err = s.brk.SendToObject(s, objID, data, min)
	var permErr *broker.MissingPermissionError
	if errors.As(err, &permErr) {
		logger.WarnF("[%s] Service %s denied on object %s, required %s but has %s",
			s.client.ConnID(), s.fullID, objID, permErr.Required.String(), permErr.Actual.String())
		return nil
	}
	if errors.Is(err, broker.ObjectNotConnectedError) {
		logger.DebugF("[%s] Drop message from service %s, object %s not connected",
			s.client.ConnID(), s.fullID, objID)
		return nil
	}
	return err
}

func (s *GWClientS2O) processHistoryEventsReq(data []byte) error {
	objID, limit, err := protocol.ParseHistoryEventsReqMsg(data)
	if err != nil {
		return err
	}
	if !s.brk.CheckServiceCloudPermissionOnObject(s.srvID, s.usrID, objID, protocol.PermCoOwner) {
		logger.WarnF("[%s] Service %s denied events history of object %s", s.client.ConnID(), s.fullID, objID)
		return nil
	}

	events, err := s.store.FindEventsByObj(objID, limit)
	if err != nil {
		return err
	}
	rows := make([]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, fmt.Sprintf("%s;%s;%s", ev.EmittedAt.Format(time.RFC3339), ev.Type, ev.Payload))
	}
	return s.Send(protocol.NewHistoryEventsResMsg(objID, rows))
}

func (s *GWClientS2O) processHistoryCompStateReq(data []byte) error {
	objID, compPath, limit, err := protocol.ParseHistoryCompStateReqMsg(data)
	if err != nil {
		return err
	}
	if !s.brk.CheckServiceCloudPermissionOnObject(s.srvID, s.usrID, objID, protocol.PermStatus) {
		logger.WarnF("[%s] Service %s denied state history of object %s", s.client.ConnID(), s.fullID, objID)
		return nil
	}

	history, err := s.store.FindStatusHistory(objID, compPath, limit)
	if err != nil {
		return err
	}
	rows := make([]string, 0, len(history))
	for _, st := range history {
		rows = append(rows, fmt.Sprintf("%s;%s", st.UpdatedAt.Format(time.RFC3339), st.State))
	}
	return s.Send(protocol.NewHistoryCompStateResMsg(objID, compPath, rows))
}

func (s *GWClientS2O) onDisconnect(reason comm.DisconnectReason) {
	s.brk.DeregisterService(s)

	status, err := s.store.GetServiceStatus(s.fullID)
	if err != nil {
		logger.WarnF("[%s] Fail to load status of service %s on disconnect, details: %v",
			s.client.ConnID(), s.fullID, err)
		return
	}
	status.Online = false
	status.LastDisconnectedAt = time.Now()
	if err := s.store.SaveServiceStatus(status); err != nil {
		logger.WarnF("[%s] Fail to mark service %s offline, details: %v", s.client.ConnID(), s.fullID, err)
	}
	logger.InfoF("[%s] Service %s disconnected, reason %s", s.client.ConnID(), s.fullID, reason.String())
}
