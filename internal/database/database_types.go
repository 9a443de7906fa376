package database

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/protocol"
)

const (
	ObjectCollectionName        = "objects"
	ServiceCollectionName       = "services"
	ServiceStatusCollectionName = "service_statuses"
	PermissionCollectionName    = "permissions"
	EventCollectionName         = "events"
	StatusCollectionName        = "statuses"
)

// ObjectRecord 是对象在云端的持久化记录
type ObjectRecord struct {
	ObjID              string    `bson:"obj_id"`
	Name               string    `bson:"name"`
	Owner              string    `bson:"owner"`
	Active             bool      `bson:"active"`
	Version            string    `bson:"version"`
	Model              string    `bson:"model"`
	Brand              string    `bson:"brand"`
	LongDescr          string    `bson:"long_descr"`
	Structure          string    `bson:"structure"` // 对象结构 JSON，网关不解释其语义
	Online             bool      `bson:"online"`
	LastConnectedAt    time.Time `bson:"last_connected_at"`
	LastDisconnectedAt time.Time `bson:"last_disconnected_at"`
}

// ServiceRecord 是服务的注册记录，连接时不存在则拒绝会话
type ServiceRecord struct {
	SrvID string `bson:"srv_id"`
	Name  string `bson:"name"`
}

// ServiceStatusRecord 按完整服务 ID（srvId/usrId/instId）记录服务实例在线状态
type ServiceStatusRecord struct {
	FullID             string    `bson:"full_id"`
	SrvID              string    `bson:"srv_id"`
	UsrID              string    `bson:"usr_id"`
	InstID             string    `bson:"inst_id"`
	Online             bool      `bson:"online"`
	LastConnectedAt    time.Time `bson:"last_connected_at"`
	LastDisconnectedAt time.Time `bson:"last_disconnected_at"`
}

// EventRecord 是对象侧事件日志的一行
type EventRecord struct {
	ObjID     string    `bson:"obj_id"`
	Type      string    `bson:"type"`
	Payload   string    `bson:"payload"`
	EmittedAt time.Time `bson:"emitted_at"`
}

// StatusHistoryRecord 是组件状态历史的一行
type StatusHistoryRecord struct {
	ObjID     string    `bson:"obj_id"`
	CompPath  string    `bson:"comp_path"`
	State     string    `bson:"state"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type ObjectStore interface {
	GetObject(objID string) (*ObjectRecord, error)
	SaveObject(obj *ObjectRecord) error
}

type ServiceStore interface {
	GetService(srvID string) (*ServiceRecord, error)
	SaveService(srv *ServiceRecord) error
}

type ServiceStatusStore interface {
	GetServiceStatus(fullID string) (*ServiceStatusRecord, error)
	SaveServiceStatus(status *ServiceStatusRecord) error
}

type PermissionStore interface {
	FindPermsByObj(objID string) ([]protocol.JOSPPerm, error)
	// ReplaceObjPerms 原子替换对象的全部权限行
	ReplaceObjPerms(objID string, perms []protocol.JOSPPerm) error
}

type EventStore interface {
	AppendEvent(event *EventRecord) error
	FindEventsByObj(objID string, limit int) ([]EventRecord, error)
}

type HistoryStore interface {
	AppendStatus(status *StatusHistoryRecord) error
	FindStatusHistory(objID, compPath string, limit int) ([]StatusHistoryRecord, error)
}

// GatewayStore 聚合网关会话层需要的全部持久化操作
type GatewayStore interface {
	ObjectStore
	ServiceStore
	ServiceStatusStore
	PermissionStore
	EventStore
	HistoryStore
}
