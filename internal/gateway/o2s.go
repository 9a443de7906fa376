// Package gateway 把被接受的原始连接包装为协议会话：
// 对象侧（O2S）与服务侧（S2O）的报文分发、持久化与 Broker 驱动。
package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/broker"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/comm"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/database"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/protocol"
)

// ObjectIDMismatchError 表示报文携带的对象 ID 与会话身份不符，
// 可能是实现缺陷或伪造尝试。报文丢弃，连接保持。
type ObjectIDMismatchError struct {
	SessionID string
	MsgObjID  string
}

func (e *ObjectIDMismatchError) Error() string {
	return fmt.Sprintf("message object id %s does not match session id %s", e.MsgObjID, e.SessionID)
}

// GWClientO2S 是对象侧会话处理器：解析入站对象报文、维护对象持久化
// 记录并驱动 Broker 做服务端扇出。
// 单条报文的任何解析/校验错误都只记录日志并丢弃该报文，连接保持。
type GWClientO2S struct {
	client *comm.ServerClient
	store  database.GatewayStore
	brk    *broker.Broker

	// mu 串行化入站处理与断开收尾对持久化状态的写入
	mu         sync.Mutex
	objID      string
	registered bool

	// 展示报文缓存，新获授权的服务靠它们补齐当前状态
	lastInfoMsg   []byte
	lastStructMsg []byte
}

// NewGWClientO2S 装配对象侧会话。objID 为空时从首条 OBJ_INFO 报文锁存
// （TLS 模式下网关传入客户端证书 CN）。
func NewGWClientO2S(client *comm.ServerClient, store database.GatewayStore, brk *broker.Broker, objID string) *GWClientO2S {
	o := &GWClientO2S{
		client: client,
		store:  store,
		brk:    brk,
		objID:  objID,
	}
	client.SetDataHandler(o.processData)
	client.AddListener(&comm.ListenerFuncs{
		Disconnect: func(_ *comm.Peer, reason comm.DisconnectReason) {
			o.onDisconnect(reason)
		},
	})
	return o
}

// ObjID 实现 broker.ObjectSession
func (o *GWClientO2S) ObjID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.objID
}

// Send 实现 broker.ObjectSession
func (o *GWClientO2S) Send(data []byte) error {
	return o.client.SendData(data)
}

func (o *GWClientO2S) processData(data []byte) bool {
	var err error
	switch {
	case protocol.IsObjectInfoMsg(data):
		err = o.processObjectInfoMsg(data)
	case protocol.IsObjectStructMsg(data):
		err = o.processObjectStructMsg(data)
	case protocol.IsObjectPermsMsg(data):
		err = o.processObjectPermsMsg(data)
	case protocol.IsObjectStateMsg(data):
		err = o.processObjectStateMsg(data)
	default:
		logger.WarnF("[%s] Unknown message from object %s", o.client.ConnID(), o.ObjID())
		return false
	}

	if err != nil {
		// 坏报文不拆连接
		logger.WarnF("[%s] Fail to process message from object %s, details: %v",
			o.client.ConnID(), o.ObjID(), err)
	}
	return true
}

// checkObjID 校验报文对象 ID 与会话身份一致，首条报文锁存会话身份
func (o *GWClientO2S) checkObjID(msgObjID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.objID == "" {
		o.objID = msgObjID
		o.client.SetRemoteID(msgObjID)
		return nil
	}
	if o.objID != msgObjID {
		return &ObjectIDMismatchError{SessionID: o.objID, MsgObjID: msgObjID}
	}
	return nil
}

func (o *GWClientO2S) processObjectInfoMsg(data []byte) error {
	info, err := protocol.ParseObjectInfoMsg(data)
	if err != nil {
		return err
	}
	if err := o.checkObjID(info.ObjID); err != nil {
		return err
	}

	o.mu.Lock()
	obj, err := o.store.GetObject(info.ObjID)
	if err != nil {
		if !errors.Is(err, database.RecordNotFoundError) {
			o.mu.Unlock()
			return err
		}
		obj = &database.ObjectRecord{ObjID: info.ObjID}
	}
	obj.Name = info.Name
	obj.Owner = info.Owner
	obj.Active = info.Active
	obj.Version = info.Version
	obj.Model = info.Model
	obj.Brand = info.Brand
	obj.LongDescr = info.LongDescr
	obj.Online = true
	obj.LastConnectedAt = time.Now()
	if err := o.store.SaveObject(obj); err != nil {
		o.mu.Unlock()
		return err
	}

	o.lastInfoMsg = append([]byte(nil), data...)
	first := !o.registered
	o.registered = true
	o.mu.Unlock()

	if first {
		o.brk.RegisterObject(o)
	}

	o.appendEvent(info.ObjID, protocol.ObjInfoMsg, info.Name)
	o.brk.SendToServices(info.ObjID, data, protocol.PermStatus)
	return nil
}

func (o *GWClientO2S) processObjectStructMsg(data []byte) error {
	objID, structure, err := protocol.ParseObjectStructMsg(data)
	if err != nil {
		return err
	}
	if err := o.checkObjID(objID); err != nil {
		return err
	}

	o.mu.Lock()
	o.lastStructMsg = append([]byte(nil), data...)
	obj, err := o.store.GetObject(objID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if obj.Structure == structure {
		// 结构未变，不持久化也不扇出
		o.mu.Unlock()
		logger.DebugF("[%s] Structure of object %s unchanged, skipped", o.client.ConnID(), objID)
		return nil
	}
	obj.Structure = structure
	if err := o.store.SaveObject(obj); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.appendEvent(objID, protocol.ObjStructMsg, "")
	o.brk.SendToServices(objID, data, protocol.PermStatus)
	return nil
}

// processObjectPermsMsg 对新旧授权视图做三向差分。顺序敏感：
// 新增服务先补齐展示报文，再广播原始权限报文（CoOwner 级），
// 最后向新增/变更/移除的服务推送各自的授权变更通知。
func (o *GWClientO2S) processObjectPermsMsg(data []byte) error {
	objID, perms, err := protocol.ParseObjectPermsMsg(data)
	if err != nil {
		return err
	}
	if err := o.checkObjID(objID); err != nil {
		return err
	}

	oldAllowed := o.brk.GetObjectCloudAllowedServices(objID)
	if err := o.brk.UpdateObjectPerms(objID, perms); err != nil {
		return err
	}
	newAllowed := o.brk.GetObjectCloudAllowedServices(objID)
	added, updated, removed := diffAllowedServices(oldAllowed, newAllowed)

	o.mu.Lock()
	lastInfo := o.lastInfoMsg
	lastStruct := o.lastStructMsg
	o.mu.Unlock()

	for srvID := range added {
		if lastInfo != nil {
			o.brk.SendToServiceID(objID, srvID, lastInfo, protocol.PermNone)
		}
		if lastStruct != nil {
			o.brk.SendToServiceID(objID, srvID, lastStruct, protocol.PermNone)
		}
	}

	o.brk.SendToServices(objID, data, protocol.PermCoOwner)

	for srvID, perm := range added {
		o.brk.SendToServiceID(objID, srvID, protocol.NewServicePermMsg(objID, perm), protocol.PermNone)
	}
	for srvID, perm := range updated {
		o.brk.SendToServiceID(objID, srvID, protocol.NewServicePermMsg(objID, perm), protocol.PermNone)
	}
	for _, srvID := range removed {
		notice := protocol.NewServicePermMsg(objID, protocol.SrvPerm{Type: protocol.PermNone, Connection: protocol.ConnOnlyLocal})
		o.brk.SendToServiceID(objID, srvID, notice, protocol.PermNone)
	}

	o.appendEvent(objID, protocol.ObjPermsMsg, fmt.Sprintf("rows=%d", len(perms)))
	return nil
}

func (o *GWClientO2S) processObjectStateMsg(data []byte) error {
	upd, err := protocol.ParseObjectStateMsg(data)
	if err != nil {
		return err
	}
	if err := o.checkObjID(upd.ObjID); err != nil {
		return err
	}

	o.mu.Lock()
	obj, err := o.store.GetObject(upd.ObjID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	patched, err := patchStructureState(obj.Structure, upd.CompPath, upd.State)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	obj.Structure = patched
	if err := o.store.SaveObject(obj); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	if err := o.store.AppendStatus(&database.StatusHistoryRecord{
		ObjID:     upd.ObjID,
		CompPath:  upd.CompPath,
		State:     upd.State,
		UpdatedAt: time.Now(),
	}); err != nil {
		logger.WarnF("[%s] Fail to append status history of object %s, details: %v",
			o.client.ConnID(), upd.ObjID, err)
	}

	o.brk.SendToServices(upd.ObjID, data, protocol.PermStatus)
	return nil
}

func (o *GWClientO2S) appendEvent(objID, eventType, payload string) {
	if err := o.store.AppendEvent(&database.EventRecord{
		ObjID:     objID,
		Type:      eventType,
		Payload:   payload,
		EmittedAt: time.Now(),
	}); err != nil {
		logger.WarnF("[%s] Fail to append event of object %s, details: %v", o.client.ConnID(), objID, err)
	}
}

// onDisconnect 从 Broker 注销并持久化离线状态。
// 与入站处理共用会话锁，收尾写入不会与最后一条报文的写入交错。
func (o *GWClientO2S) onDisconnect(reason comm.DisconnectReason) {
	o.mu.Lock()
	registered := o.registered
	o.registered = false
	objID := o.objID
	o.mu.Unlock()

	if registered {
		o.brk.DeregisterObject(o)
	}
	if objID == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	obj, err := o.store.GetObject(objID)
	if err != nil {
		logger.WarnF("[%s] Fail to load object %s on disconnect, details: %v", o.client.ConnID(), objID, err)
		return
	}
	obj.Online = false
	obj.LastDisconnectedAt = time.Now()
	if err := o.store.SaveObject(obj); err != nil {
		logger.WarnF("[%s] Fail to mark object %s offline, details: %v", o.client.ConnID(), objID, err)
	}
	logger.InfoF("[%s] Object %s disconnected, reason %s", o.client.ConnID(), objID, reason.String())
}

// diffAllowedServices 按 srvId 对新旧授权视图做三向分类。
// {PermType, ConnectionType} 对完全相等视为未变；连接范围单独变化
// 也算一次更新，但更新的服务不会重收展示报文，只有新增的会。
func diffAllowedServices(before, after map[string]protocol.SrvPerm) (added, updated map[string]protocol.SrvPerm, removed []string) {
	added = make(map[string]protocol.SrvPerm)
	updated = make(map[string]protocol.SrvPerm)
	for srvID, perm := range after {
		prev, ok := before[srvID]
		if !ok {
			added[srvID] = perm
			continue
		}
		if prev != perm {
			updated[srvID] = perm
		}
	}
	for srvID := range before {
		if _, ok := after[srvID]; !ok {
			removed = append(removed, srvID)
		}
	}
	return added, updated, removed
}
