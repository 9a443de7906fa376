package database

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/protocol"
)

// MemoryStore 是 GatewayStore 的内存实现，供测试与单机运行使用
type MemoryStore struct {
	mu              sync.Mutex
	objects         map[string]*ObjectRecord
	services        map[string]*ServiceRecord
	serviceStatuses map[string]*ServiceStatusRecord
	perms           map[string][]protocol.JOSPPerm
	events          map[string][]EventRecord
	statuses        map[string][]StatusHistoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:         make(map[string]*ObjectRecord),
		services:        make(map[string]*ServiceRecord),
		serviceStatuses: make(map[string]*ServiceStatusRecord),
		perms:           make(map[string][]protocol.JOSPPerm),
		events:          make(map[string][]EventRecord),
		statuses:        make(map[string][]StatusHistoryRecord),
	}
}

func (ms *MemoryStore) GetObject(objID string) (*ObjectRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	obj, ok := ms.objects[objID]
	if !ok {
		return nil, RecordNotFoundError
	}
	copied := *obj
	return &copied, nil
}

func (ms *MemoryStore) SaveObject(obj *ObjectRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *obj
	ms.objects[obj.ObjID] = &copied
	return nil
}

func (ms *MemoryStore) GetService(srvID string) (*ServiceRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	srv, ok := ms.services[srvID]
	if !ok {
		return nil, RecordNotFoundError
	}
	copied := *srv
	return &copied, nil
}

func (ms *MemoryStore) SaveService(srv *ServiceRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *srv
	ms.services[srv.SrvID] = &copied
	return nil
}

func (ms *MemoryStore) GetServiceStatus(fullID string) (*ServiceStatusRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	status, ok := ms.serviceStatuses[fullID]
	if !ok {
		return nil, RecordNotFoundError
	}
	copied := *status
	return &copied, nil
}

func (ms *MemoryStore) SaveServiceStatus(status *ServiceStatusRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *status
	ms.serviceStatuses[status.FullID] = &copied
	return nil
}

func (ms *MemoryStore) FindPermsByObj(objID string) ([]protocol.JOSPPerm, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]protocol.JOSPPerm(nil), ms.perms[objID]...), nil
}

func (ms *MemoryStore) ReplaceObjPerms(objID string, perms []protocol.JOSPPerm) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.perms[objID] = append([]protocol.JOSPPerm(nil), perms...)
	return nil
}

func (ms *MemoryStore) AppendEvent(event *EventRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.events[event.ObjID] = append(ms.events[event.ObjID], *event)
	return nil
}

func (ms *MemoryStore) FindEventsByObj(objID string, limit int) ([]EventRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	events := ms.events[objID]
	// 新事件在前
	result := make([]EventRecord, 0, len(events))
	for i := len(events) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, events[i])
	}
	return result, nil
}

func (ms *MemoryStore) AppendStatus(status *StatusHistoryRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.statuses[status.ObjID] = append(ms.statuses[status.ObjID], *status)
	return nil
}

func (ms *MemoryStore) FindStatusHistory(objID, compPath string, limit int) ([]StatusHistoryRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	rows := ms.statuses[objID]
	result := make([]StatusHistoryRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0 && len(result) < limit; i-- {
		if rows[i].CompPath == compPath {
			result = append(result, rows[i])
		}
	}
	return result, nil
}
