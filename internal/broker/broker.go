// Package broker 维护云端在线对象与在线服务的注册表，
// 并依据权限缓存在两侧会话之间做受控的报文路由。
// 注册表是唯一的跨连接共享可变状态，由单把粗粒度锁守护；
// 实际发送在锁外进行，避免慢速对端阻塞注册操作。
package broker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/database"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/protocol"
)

// ObjectSession 是对象侧会话在 Broker 中的视图
type ObjectSession interface {
	ObjID() string
	Send(data []byte) error
}

// ServiceSession 是服务侧会话在 Broker 中的视图。
// FullID 形如 srvId/usrId/instId。
type ServiceSession interface {
	FullID() string
	SrvID() string
	UsrID() string
	Send(data []byte) error
}

// MissingPermissionError 表示服务持有的权限低于操作要求
type MissingPermissionError struct {
	SrvID    string
	ObjID    string
	Required protocol.PermType
	Actual   protocol.PermType
}

func (e *MissingPermissionError) Error() string {
	return fmt.Sprintf("service %s misses permission on object %s: required %s, actual %s",
		e.SrvID, e.ObjID, e.Required.String(), e.Actual.String())
}

// ObjectNotConnectedError 表示目标对象当前没有云端连接
var ObjectNotConnectedError = errors.New("object is not connected to cloud")

// Broker 同时持有对象注册表（JOD 侧）与服务注册表（JSL 侧）
type Broker struct {
	permStore database.PermissionStore
	objStore  database.ObjectStore

	mu       sync.Mutex
	objects  map[string]ObjectSession       // objId -> 会话
	services map[string]ServiceSession      // 完整服务 ID -> 会话
	objPerms map[string][]protocol.JOSPPerm // objId -> 权限行缓存
	owners   map[string]string              // objId -> 属主，用于 #Owner 通配
}

func NewBroker(permStore database.PermissionStore, objStore database.ObjectStore) *Broker {
	return &Broker{
		permStore: permStore,
		objStore:  objStore,
		objects:   make(map[string]ObjectSession),
		services:  make(map[string]ServiceSession),
		objPerms:  make(map[string][]protocol.JOSPPerm),
		owners:    make(map[string]string),
	}
}

// RegisterObject 登记在线对象。同 ID 重复注册时新会话取代旧会话，
// 旧会话的关闭由其自身的处理器负责。
func (b *Broker) RegisterObject(session ObjectSession) {
	objID := session.ObjID()
	b.mu.Lock()
	if old, ok := b.objects[objID]; ok && old != session {
		logger.WarnF("Object %s already registered, superseding previous session", objID)
	}
	b.objects[objID] = session
	b.mu.Unlock()

	b.RefreshObjectPerms(objID)
	logger.InfoF("Object %s registered", objID)
}

// DeregisterObject 注销对象会话。仅当登记的恰是该会话时才移除，
// 被新会话取代后的旧会话注销不影响注册表。
func (b *Broker) DeregisterObject(session ObjectSession) {
	objID := session.ObjID()
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.objects[objID]; ok && current == session {
		delete(b.objects, objID)
		delete(b.objPerms, objID)
		delete(b.owners, objID)
		logger.InfoF("Object %s deregistered", objID)
	}
}

func (b *Broker) RegisterService(session ServiceSession) {
	b.mu.Lock()
	if old, ok := b.services[session.FullID()]; ok && old != session {
		logger.WarnF("Service %s already registered, superseding previous session", session.FullID())
	}
	b.services[session.FullID()] = session
	b.mu.Unlock()
	logger.InfoF("Service %s registered", session.FullID())
}

func (b *Broker) DeregisterService(session ServiceSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.services[session.FullID()]; ok && current == session {
		delete(b.services, session.FullID())
		logger.InfoF("Service %s deregistered", session.FullID())
	}
}

// RefreshObjectPerms 从权限库重建对象的权限缓存，之后的路由判定不再访问数据库
func (b *Broker) RefreshObjectPerms(objID string) {
	perms, err := b.permStore.FindPermsByObj(objID)
	if err != nil {
		logger.WarnF("Fail to load permissions of object %s, details: %v", objID, err)
		return
	}
	owner := ""
	if obj, err := b.objStore.GetObject(objID); err == nil {
		owner = obj.Owner
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objPerms[objID] = perms
	b.owners[objID] = owner
}

// UpdateObjectPerms 在注册表锁内完成权限持久化与缓存刷新。
// 对象权限的读-改-写必须经由这把锁，避免会话处理器与差分计算交错。
func (b *Broker) UpdateObjectPerms(objID string, perms []protocol.JOSPPerm) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.permStore.ReplaceObjPerms(objID, perms); err != nil {
		return err
	}
	b.objPerms[objID] = append([]protocol.JOSPPerm(nil), perms...)
	return nil
}

// permTypeLocked 计算服务在对象上对云端连接生效的权限等级，调用方须持锁
func (b *Broker) permTypeLocked(objID, srvID, usrID string) protocol.PermType {
	result := protocol.PermNone
	owner := b.owners[objID]
	for _, p := range b.objPerms[objID] {
		if p.Connection != protocol.ConnLocalAndCloud {
			continue
		}
		if !permRowApplies(p, owner, srvID, usrID) {
			continue
		}
		if p.Type > result {
			result = p.Type
		}
	}
	return result
}

func permRowApplies(p protocol.JOSPPerm, owner, srvID, usrID string) bool {
	if p.SrvID != srvID && p.SrvID != protocol.WildcardAll {
		return false
	}
	if p.UsrID == usrID || p.UsrID == protocol.WildcardAll {
		return true
	}
	return p.UsrID == protocol.WildcardOwner && owner != "" && usrID == owner
}

// CheckServiceCloudPermissionOnObject 判定服务是否在对象上持有不低于 min 的云端权限
func (b *Broker) CheckServiceCloudPermissionOnObject(srvID, usrID, objID string, min protocol.PermType) bool {
	if min == protocol.PermNone {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.permTypeLocked(objID, srvID, usrID).GreaterEqual(min)
}

// GetObjectCloudAllowedServices 返回当前注册的服务中在对象上持有权限的
// srvId -> 生效授权映射，供权限差分使用。Connection 反映授权的连接范围，
// 即使权限等级不变、连接范围变化也会体现为一次更新。
func (b *Broker) GetObjectCloudAllowedServices(objID string) map[string]protocol.SrvPerm {
	b.mu.Lock()
	defer b.mu.Unlock()

	owner := b.owners[objID]
	result := make(map[string]protocol.SrvPerm)
	for _, svc := range b.services {
		effective := protocol.SrvPerm{Type: protocol.PermNone, Connection: protocol.ConnOnlyLocal}
		for _, p := range b.objPerms[objID] {
			if !permRowApplies(p, owner, svc.SrvID(), svc.UsrID()) {
				continue
			}
			if p.Type > effective.Type {
				effective.Type = p.Type
			}
			if p.Connection > effective.Connection {
				effective.Connection = p.Connection
			}
		}
		if effective.Type == protocol.PermNone {
			continue
		}
		if prev, ok := result[svc.SrvID()]; !ok || effective.Type > prev.Type || effective.Connection > prev.Connection {
			result[svc.SrvID()] = effective
		}
	}
	return result
}

// SendToServices 把对象报文广播给所有持有不低于 min 云端权限的在线服务。
// min 为 PermNone 时不做权限检查，广播给全部在线服务。
// 单个服务发送失败仅告警，不影响其余目标。
func (b *Broker) SendToServices(fromObjID string, data []byte, min protocol.PermType) {
	b.mu.Lock()
	targets := make([]ServiceSession, 0, len(b.services))
	for _, svc := range b.services {
		if min == protocol.PermNone || b.permTypeLocked(fromObjID, svc.SrvID(), svc.UsrID()).GreaterEqual(min) {
			targets = append(targets, svc)
		}
	}
	b.mu.Unlock()

	for _, svc := range targets {
		if err := svc.Send(data); err != nil {
			logger.WarnF("Fail to forward message from object %s to service %s, details: %v",
				fromObjID, svc.FullID(), err)
		}
	}
}

// SendToServiceID 把对象报文发送给某 srvId 的全部在线实例，权限门限同上
func (b *Broker) SendToServiceID(fromObjID, srvID string, data []byte, min protocol.PermType) {
	b.mu.Lock()
	targets := make([]ServiceSession, 0, 1)
	for _, svc := range b.services {
		if svc.SrvID() != srvID {
			continue
		}
		if min == protocol.PermNone || b.permTypeLocked(fromObjID, svc.SrvID(), svc.UsrID()).GreaterEqual(min) {
			targets = append(targets, svc)
		}
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		logger.DebugF("No online instance of service %s to forward message from object %s", srvID, fromObjID)
		return
	}
	for _, svc := range targets {
		if err := svc.Send(data); err != nil {
			logger.WarnF("Fail to forward message from object %s to service %s, details: %v",
				fromObjID, svc.FullID(), err)
		}
	}
}

// SendToObject 把服务报文转发给目标对象。
// 对象不在线返回 ObjectNotConnectedError；权限不足返回 MissingPermissionError，
// 两者都由调用方记录后丢弃报文，不应上抛到传输层。
func (b *Broker) SendToObject(from ServiceSession, toObjID string, data []byte, min protocol.PermType) error {
	b.mu.Lock()
	obj, ok := b.objects[toObjID]
	actual := b.permTypeLocked(toObjID, from.SrvID(), from.UsrID())
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ObjectNotConnectedError, toObjID)
	}
	if min != protocol.PermNone && !actual.GreaterEqual(min) {
		return &MissingPermissionError{
			SrvID:    from.SrvID(),
			ObjID:    toObjID,
			Required: min,
			Actual:   actual,
		}
	}
	return obj.Send(data)
}

// GetObject 按 ID 查找在线对象会话
func (b *Broker) GetObject(objID string) (ObjectSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[objID]
	return obj, ok
}

// CountObjects 返回在线对象数量
func (b *Broker) CountObjects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// CountServices 返回在线服务数量
func (b *Broker) CountServices() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.services)
}
