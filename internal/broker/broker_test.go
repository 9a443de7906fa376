package broker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/database"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/protocol"
)

type fakeObject struct {
	id string

	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeObject) ObjID() string { return f.id }

func (f *fakeObject) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, data)
	return nil
}

func (f *fakeObject) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeService struct {
	fullID string
	srvID  string
	usrID  string

	mu   sync.Mutex
	msgs [][]byte
}

func newFakeService(srvID, usrID, instID string) *fakeService {
	return &fakeService{fullID: srvID + "/" + usrID + "/" + instID, srvID: srvID, usrID: usrID}
}

func (f *fakeService) FullID() string { return f.fullID }
func (f *fakeService) SrvID() string  { return f.srvID }
func (f *fakeService) UsrID() string  { return f.usrID }

func (f *fakeService) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, data)
	return nil
}

func (f *fakeService) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func newTestBroker(t *testing.T) (*Broker, *database.MemoryStore) {
	t.Helper()
	store := database.NewMemoryStore()
	return NewBroker(store, store), store
}

func saveObject(t *testing.T, store *database.MemoryStore, objID, owner string) {
	t.Helper()
	if err := store.SaveObject(&database.ObjectRecord{ObjID: objID, Owner: owner, Online: true}); err != nil {
		t.Fatalf("SaveObject: unexpected error %v", err)
	}
}

func TestSendToServicesHonorsPermissions(t *testing.T) {
	brk, store := newTestBroker(t)
	saveObject(t, store, "obj-1", "usr-owner")

	obj := &fakeObject{id: "obj-1"}
	brk.RegisterObject(obj)

	statusSvc := newFakeService("srv-status", "usr-1", "i1")
	coOwnerSvc := newFakeService("srv-co", "usr-2", "i1")
	localOnlySvc := newFakeService("srv-local", "usr-3", "i1")
	strangerSvc := newFakeService("srv-none", "usr-4", "i1")
	for _, svc := range []*fakeService{statusSvc, coOwnerSvc, localOnlySvc, strangerSvc} {
		brk.RegisterService(svc)
	}

	perms := []protocol.JOSPPerm{
		{ID: "p1", ObjID: "obj-1", SrvID: "srv-status", UsrID: "usr-1", Type: protocol.PermStatus, Connection: protocol.ConnLocalAndCloud},
		{ID: "p2", ObjID: "obj-1", SrvID: "srv-co", UsrID: "usr-2", Type: protocol.PermCoOwner, Connection: protocol.ConnLocalAndCloud},
		{ID: "p3", ObjID: "obj-1", SrvID: "srv-local", UsrID: "usr-3", Type: protocol.PermCoOwner, Connection: protocol.ConnOnlyLocal},
	}
	if err := brk.UpdateObjectPerms("obj-1", perms); err != nil {
		t.Fatalf("UpdateObjectPerms: unexpected error %v", err)
	}

	brk.SendToServices("obj-1", []byte("status update"), protocol.PermStatus)

	if statusSvc.received() != 1 {
		t.Errorf("status service: expected 1 message, got %d", statusSvc.received())
	}
	if coOwnerSvc.received() != 1 {
		t.Errorf("co-owner service: expected 1 message, got %d", coOwnerSvc.received())
	}
	// OnlyLocal 授权不对云端连接生效
	if localOnlySvc.received() != 0 {
		t.Errorf("local-only service: expected 0 messages, got %d", localOnlySvc.received())
	}
	if strangerSvc.received() != 0 {
		t.Errorf("unauthorized service: expected 0 messages, got %d", strangerSvc.received())
	}

	// CoOwner 级广播进一步收窄目标集合
	brk.SendToServices("obj-1", []byte("perms update"), protocol.PermCoOwner)
	if statusSvc.received() != 1 {
		t.Errorf("status service after co-owner broadcast: expected 1 message, got %d", statusSvc.received())
	}
	if coOwnerSvc.received() != 2 {
		t.Errorf("co-owner service after co-owner broadcast: expected 2 messages, got %d", coOwnerSvc.received())
	}
}

func TestPermissionWildcards(t *testing.T) {
	brk, store := newTestBroker(t)
	saveObject(t, store, "obj-1", "usr-owner")

	obj := &fakeObject{id: "obj-1"}
	brk.RegisterObject(obj)

	anySvc := newFakeService("srv-any", "usr-9", "i1")
	ownerSvc := newFakeService("srv-owner", "usr-owner", "i1")
	notOwnerSvc := newFakeService("srv-owner", "usr-other", "i2")
	for _, svc := range []*fakeService{anySvc, ownerSvc, notOwnerSvc} {
		brk.RegisterService(svc)
	}

	perms := []protocol.JOSPPerm{
		{ID: "p1", ObjID: "obj-1", SrvID: protocol.WildcardAll, UsrID: protocol.WildcardAll, Type: protocol.PermStatus, Connection: protocol.ConnLocalAndCloud},
		{ID: "p2", ObjID: "obj-1", SrvID: "srv-owner", UsrID: protocol.WildcardOwner, Type: protocol.PermCoOwner, Connection: protocol.ConnLocalAndCloud},
	}
	if err := brk.UpdateObjectPerms("obj-1", perms); err != nil {
		t.Fatalf("UpdateObjectPerms: unexpected error %v", err)
	}

	if !brk.CheckServiceCloudPermissionOnObject("srv-any", "usr-9", "obj-1", protocol.PermStatus) {
		t.Error("#All wildcard should grant Status to any service")
	}
	if !brk.CheckServiceCloudPermissionOnObject("srv-owner", "usr-owner", "obj-1", protocol.PermCoOwner) {
		t.Error("#Owner wildcard should grant CoOwner to the owner")
	}
	if brk.CheckServiceCloudPermissionOnObject("srv-owner", "usr-other", "obj-1", protocol.PermCoOwner) {
		t.Error("#Owner wildcard must not grant CoOwner to non-owners")
	}
	// 最低等级 None 恒为真
	if !brk.CheckServiceCloudPermissionOnObject("srv-unknown", "usr-unknown", "obj-1", protocol.PermNone) {
		t.Error("PermNone minimum should always pass")
	}
}

func TestSendToObjectErrors(t *testing.T) {
	brk, store := newTestBroker(t)
	saveObject(t, store, "obj-1", "usr-owner")

	svc := newFakeService("srv-1", "usr-1", "i1")
	brk.RegisterService(svc)

	err := brk.SendToObject(svc, "obj-1", []byte("cmd"), protocol.PermActions)
	if !errors.Is(err, ObjectNotConnectedError) {
		t.Fatalf("SendToObject: expected ObjectNotConnectedError, got %v", err)
	}

	obj := &fakeObject{id: "obj-1"}
	brk.RegisterObject(obj)
	perms := []protocol.JOSPPerm{
		{ID: "p1", ObjID: "obj-1", SrvID: "srv-1", UsrID: "usr-1", Type: protocol.PermActions, Connection: protocol.ConnLocalAndCloud},
	}
	if err := brk.UpdateObjectPerms("obj-1", perms); err != nil {
		t.Fatalf("UpdateObjectPerms: unexpected error %v", err)
	}

	err = brk.SendToObject(svc, "obj-1", []byte("perm change"), protocol.PermCoOwner)
	var permErr *MissingPermissionError
	if !errors.As(err, &permErr) {
		t.Fatalf("SendToObject: expected MissingPermissionError, got %v", err)
	}
	if permErr.Required != protocol.PermCoOwner || permErr.Actual != protocol.PermActions {
		t.Errorf("MissingPermissionError: expected required CoOwner actual Actions, got required %s actual %s",
			permErr.Required.String(), permErr.Actual.String())
	}

	if err := brk.SendToObject(svc, "obj-1", []byte("action"), protocol.PermActions); err != nil {
		t.Fatalf("SendToObject: unexpected error %v", err)
	}
	if obj.received() != 1 {
		t.Errorf("object: expected 1 message, got %d", obj.received())
	}
}

func TestGetObjectCloudAllowedServices(t *testing.T) {
	brk, store := newTestBroker(t)
	saveObject(t, store, "obj-1", "usr-owner")

	obj := &fakeObject{id: "obj-1"}
	brk.RegisterObject(obj)

	// 同一 srvId 的两个实例，取各实例生效授权的最大值
	instA := newFakeService("srv-1", "usr-1", "iA")
	instB := newFakeService("srv-1", "usr-2", "iB")
	localSvc := newFakeService("srv-2", "usr-3", "i1")
	for _, svc := range []*fakeService{instA, instB, localSvc} {
		brk.RegisterService(svc)
	}

	perms := []protocol.JOSPPerm{
		{ID: "p1", ObjID: "obj-1", SrvID: "srv-1", UsrID: "usr-1", Type: protocol.PermStatus, Connection: protocol.ConnLocalAndCloud},
		{ID: "p2", ObjID: "obj-1", SrvID: "srv-1", UsrID: "usr-2", Type: protocol.PermActions, Connection: protocol.ConnLocalAndCloud},
		{ID: "p3", ObjID: "obj-1", SrvID: "srv-2", UsrID: "usr-3", Type: protocol.PermCoOwner, Connection: protocol.ConnOnlyLocal},
	}
	if err := brk.UpdateObjectPerms("obj-1", perms); err != nil {
		t.Fatalf("UpdateObjectPerms: unexpected error %v", err)
	}

	allowed := brk.GetObjectCloudAllowedServices("obj-1")
	if len(allowed) != 2 {
		t.Fatalf("expected 2 allowed services, got %d: %+v", len(allowed), allowed)
	}
	if perm := allowed["srv-1"]; perm.Type != protocol.PermActions || perm.Connection != protocol.ConnLocalAndCloud {
		t.Errorf("srv-1: expected Actions/LocalAndCloud, got %s/%s", perm.Type.String(), perm.Connection.String())
	}
	// OnlyLocal 授权仍计入视图，连接范围如实上报
	if perm := allowed["srv-2"]; perm.Type != protocol.PermCoOwner || perm.Connection != protocol.ConnOnlyLocal {
		t.Errorf("srv-2: expected CoOwner/OnlyLocal, got %s/%s", perm.Type.String(), perm.Connection.String())
	}
}

func TestRegistrationSupersedeAndIdentityDeregister(t *testing.T) {
	brk, store := newTestBroker(t)
	saveObject(t, store, "obj-1", "usr-owner")

	first := &fakeObject{id: "obj-1"}
	second := &fakeObject{id: "obj-1"}
	brk.RegisterObject(first)
	brk.RegisterObject(second)

	if brk.CountObjects() != 1 {
		t.Fatalf("expected 1 registered object, got %d", brk.CountObjects())
	}
	if current, _ := brk.GetObject("obj-1"); current != ObjectSession(second) {
		t.Error("second session should supersede the first")
	}

	// 被取代的旧会话注销不得影响现任会话
	brk.DeregisterObject(first)
	if current, ok := brk.GetObject("obj-1"); !ok || current != ObjectSession(second) {
		t.Error("deregistering superseded session must not remove the current one")
	}

	brk.DeregisterObject(second)
	if brk.CountObjects() != 0 {
		t.Errorf("expected 0 registered objects, got %d", brk.CountObjects())
	}
}

func TestSendToServiceIDReachesAllInstances(t *testing.T) {
	brk, store := newTestBroker(t)
	saveObject(t, store, "obj-1", "usr-owner")
	brk.RegisterObject(&fakeObject{id: "obj-1"})

	instA := newFakeService("srv-1", "usr-1", "iA")
	instB := newFakeService("srv-1", "usr-1", "iB")
	other := newFakeService("srv-2", "usr-1", "i1")
	for _, svc := range []*fakeService{instA, instB, other} {
		brk.RegisterService(svc)
	}

	brk.SendToServiceID("obj-1", "srv-1", []byte("presentation"), protocol.PermNone)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if instA.received() == 1 && instB.received() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if instA.received() != 1 || instB.received() != 1 {
		t.Errorf("both instances should receive the message, got %d and %d", instA.received(), instB.received())
	}
	if other.received() != 0 {
		t.Errorf("other service: expected 0 messages, got %d", other.received())
	}
}
