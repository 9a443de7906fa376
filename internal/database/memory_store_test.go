package database

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/protocol"
)

func TestMemoryStoreObjects(t *testing.T) {
	store := NewMemoryStore()

	if _, err := store.GetObject("missing"); !errors.Is(err, RecordNotFoundError) {
		t.Fatalf("GetObject: expected RecordNotFoundError, got %v", err)
	}

	obj := &ObjectRecord{ObjID: "obj-1", Name: "Lamp", Owner: "usr-1", Online: true}
	if err := store.SaveObject(obj); err != nil {
		t.Fatalf("SaveObject: unexpected error %v", err)
	}

	loaded, err := store.GetObject("obj-1")
	if err != nil {
		t.Fatalf("GetObject: unexpected error %v", err)
	}
	if loaded.Name != "Lamp" || loaded.Owner != "usr-1" || !loaded.Online {
		t.Errorf("GetObject: unexpected record %+v", loaded)
	}

	// 返回的是副本，调用方的修改不得泄漏回存储
	loaded.Name = "Mutated"
	again, _ := store.GetObject("obj-1")
	if again.Name != "Lamp" {
		t.Error("GetObject must return a copy")
	}
}

func TestMemoryStoreServices(t *testing.T) {
	store := NewMemoryStore()

	if _, err := store.GetService("srv-1"); !errors.Is(err, RecordNotFoundError) {
		t.Fatalf("GetService: expected RecordNotFoundError, got %v", err)
	}
	if err := store.SaveService(&ServiceRecord{SrvID: "srv-1", Name: "App"}); err != nil {
		t.Fatalf("SaveService: unexpected error %v", err)
	}
	if _, err := store.GetService("srv-1"); err != nil {
		t.Errorf("GetService: unexpected error %v", err)
	}

	status := &ServiceStatusRecord{FullID: "srv-1/usr-1/i1", SrvID: "srv-1", UsrID: "usr-1", InstID: "i1", Online: true}
	if err := store.SaveServiceStatus(status); err != nil {
		t.Fatalf("SaveServiceStatus: unexpected error %v", err)
	}
	loaded, err := store.GetServiceStatus("srv-1/usr-1/i1")
	if err != nil || !loaded.Online {
		t.Errorf("GetServiceStatus: unexpected result %+v (err %v)", loaded, err)
	}
}

func TestMemoryStoreReplaceObjPerms(t *testing.T) {
	store := NewMemoryStore()

	first := []protocol.JOSPPerm{
		{ID: "p1", ObjID: "obj-1", SrvID: "srv-1", UsrID: "usr-1", Type: protocol.PermStatus, Connection: protocol.ConnLocalAndCloud},
		{ID: "p2", ObjID: "obj-1", SrvID: "srv-2", UsrID: "usr-2", Type: protocol.PermCoOwner, Connection: protocol.ConnLocalAndCloud},
	}
	if err := store.ReplaceObjPerms("obj-1", first); err != nil {
		t.Fatalf("ReplaceObjPerms: unexpected error %v", err)
	}

	second := []protocol.JOSPPerm{
		{ID: "p3", ObjID: "obj-1", SrvID: "srv-3", UsrID: "usr-3", Type: protocol.PermActions, Connection: protocol.ConnLocalAndCloud},
	}
	if err := store.ReplaceObjPerms("obj-1", second); err != nil {
		t.Fatalf("ReplaceObjPerms: unexpected error %v", err)
	}

	perms, err := store.FindPermsByObj("obj-1")
	if err != nil {
		t.Fatalf("FindPermsByObj: unexpected error %v", err)
	}
	if len(perms) != 1 || perms[0].ID != "p3" {
		t.Errorf("FindPermsByObj: expected only replacement rows, got %+v", perms)
	}

	empty, err := store.FindPermsByObj("obj-unknown")
	if err != nil {
		t.Fatalf("FindPermsByObj: unexpected error %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("FindPermsByObj: expected no rows for unknown object, got %+v", empty)
	}
}

func TestMemoryStoreEventsNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()

	for i := 0; i < 5; i++ {
		err := store.AppendEvent(&EventRecord{
			ObjID:     "obj-1",
			Type:      "OBJ_STATE",
			Payload:   string(rune('a' + i)),
			EmittedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendEvent: unexpected error %v", err)
		}
	}
	if err := store.AppendEvent(&EventRecord{ObjID: "obj-2", Type: "OBJ_INFO"}); err != nil {
		t.Fatalf("AppendEvent: unexpected error %v", err)
	}

	events, err := store.FindEventsByObj("obj-1", 3)
	if err != nil {
		t.Fatalf("FindEventsByObj: unexpected error %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("FindEventsByObj: expected 3 events, got %d", len(events))
	}
	if events[0].Payload != "e" || events[2].Payload != "c" {
		t.Errorf("FindEventsByObj: expected newest first, got %+v", events)
	}
}

func TestMemoryStoreStatusHistoryFilter(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()

	for i, compPath := range []string{"Lights>Main", "Lights>Main", "Thermo"} {
		err := store.AppendStatus(&StatusHistoryRecord{
			ObjID:     "obj-1",
			CompPath:  compPath,
			State:     strconv.Itoa(i),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendStatus: unexpected error %v", err)
		}
	}

	history, err := store.FindStatusHistory("obj-1", "Lights>Main", 10)
	if err != nil {
		t.Fatalf("FindStatusHistory: unexpected error %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("FindStatusHistory: expected 2 rows, got %d", len(history))
	}
	if history[0].State != strconv.Itoa(1) {
		t.Errorf("FindStatusHistory: expected newest first, got %+v", history)
	}
}
