package database

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/protocol"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DBStore 基于 MongoDB 实现 GatewayStore。
// 对象记录走一层读穿透 LRU，写入时使缓存失效。
type DBStore struct {
	objCache *expirable.LRU[string, *ObjectRecord]
}

var (
	DbStore      *DBStore
	IdEmptyError = errors.New("record id is empty")
)

func NewDatabaseStore() *DBStore {
	if DbStore == nil {
		DbStore = &DBStore{
			objCache: expirable.NewLRU[string, *ObjectRecord](256, nil, time.Minute),
		}
	}
	return DbStore
}

func (ds *DBStore) GetObject(objID string) (*ObjectRecord, error) {
	if objID == "" {
		return nil, IdEmptyError
	}
	if obj, ok := ds.objCache.Get(objID); ok {
		return obj, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "obj_id", Value: objID}}
	var obj ObjectRecord

	startTime := time.Now()
	err := Database.Collection(ObjectCollectionName).FindOne(ctx, filter).Decode(&obj)
	logger.DebugF("object query cost: %v", time.Since(startTime))

	if err != nil {
		return nil, wrapErr(err)
	}

	ds.objCache.Add(objID, &obj)
	return &obj, nil
}

func (ds *DBStore) SaveObject(obj *ObjectRecord) error {
	if obj.ObjID == "" {
		return IdEmptyError
	}

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "obj_id", Value: obj.ObjID}}
	opts := options.Replace().SetUpsert(true)

	result, err := Database.Collection(ObjectCollectionName).ReplaceOne(ctx, filter, obj, opts)
	if err != nil {
		return wrapErr(err)
	}

	ds.objCache.Remove(obj.ObjID)
	logger.InfoF("Object saved: obj_id=%s, matched=%d, modified=%d, upserted=%v",
		obj.ObjID, result.MatchedCount, result.ModifiedCount, result.UpsertedID != nil)
	return nil
}

func (ds *DBStore) GetService(srvID string) (*ServiceRecord, error) {
	if srvID == "" {
		return nil, IdEmptyError
	}

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "srv_id", Value: srvID}}
	var srv ServiceRecord
	if err := Database.Collection(ServiceCollectionName).FindOne(ctx, filter).Decode(&srv); err != nil {
		return nil, wrapErr(err)
	}
	return &srv, nil
}

func (ds *DBStore) SaveService(srv *ServiceRecord) error {
	if srv.SrvID == "" {
		return IdEmptyError
	}

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "srv_id", Value: srv.SrvID}}
	opts := options.Replace().SetUpsert(true)
	if _, err := Database.Collection(ServiceCollectionName).ReplaceOne(ctx, filter, srv, opts); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (ds *DBStore) GetServiceStatus(fullID string) (*ServiceStatusRecord, error) {
	if fullID == "" {
		return nil, IdEmptyError
	}

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "full_id", Value: fullID}}
	var status ServiceStatusRecord
	if err := Database.Collection(ServiceStatusCollectionName).FindOne(ctx, filter).Decode(&status); err != nil {
		return nil, wrapErr(err)
	}
	return &status, nil
}

func (ds *DBStore) SaveServiceStatus(status *ServiceStatusRecord) error {
	if status.FullID == "" {
		return IdEmptyError
	}

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "full_id", Value: status.FullID}}
	opts := options.Replace().SetUpsert(true)

	result, err := Database.Collection(ServiceStatusCollectionName).ReplaceOne(ctx, filter, status, opts)
	if err != nil {
		return wrapErr(err)
	}

	logger.InfoF("Service status saved: full_id=%s, matched=%d, modified=%d, upserted=%v",
		status.FullID, result.MatchedCount, result.ModifiedCount, result.UpsertedID != nil)
	return nil
}

func (ds *DBStore) FindPermsByObj(objID string) ([]protocol.JOSPPerm, error) {
	if objID == "" {
		return nil, IdEmptyError
	}

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "obj_id", Value: objID}}
	cursor, err := Database.Collection(PermissionCollectionName).Find(ctx, filter)
	if err != nil {
		return nil, wrapErr(err)
	}

	var perms []protocol.JOSPPerm
	if err := cursor.All(ctx, &perms); err != nil {
		return nil, wrapErr(err)
	}
	return perms, nil
}

func (ds *DBStore) ReplaceObjPerms(objID string, perms []protocol.JOSPPerm) error {
	if objID == "" {
		return IdEmptyError
	}

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	// 先清后插，两步在同一会话内完成
	return Client.UseSession(ctx, func(sessCtx mongo.SessionContext) error {
		collection := Database.Collection(PermissionCollectionName)
		if _, err := collection.DeleteMany(sessCtx, bson.D{{Key: "obj_id", Value: objID}}); err != nil {
			return wrapErr(err)
		}
		if len(perms) == 0 {
			return nil
		}
		rows := make([]interface{}, len(perms))
		for i, perm := range perms {
			rows[i] = perm
		}
		if _, err := collection.InsertMany(sessCtx, rows); err != nil {
			return wrapErr(err)
		}
		logger.InfoF("Permissions replaced: obj_id=%s, rows=%d", objID, len(perms))
		return nil
	})
}

func (ds *DBStore) AppendEvent(event *EventRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	if _, err := Database.Collection(EventCollectionName).InsertOne(ctx, event); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (ds *DBStore) FindEventsByObj(objID string, limit int) ([]EventRecord, error) {
	if objID == "" {
		return nil, IdEmptyError
	}

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "obj_id", Value: objID}}
	opts := options.Find().SetSort(bson.D{{Key: "emitted_at", Value: -1}}).SetLimit(int64(limit))
	cursor, err := Database.Collection(EventCollectionName).Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapErr(err)
	}

	var events []EventRecord
	if err := cursor.All(ctx, &events); err != nil {
		return nil, wrapErr(err)
	}
	return events, nil
}

func (ds *DBStore) AppendStatus(status *StatusHistoryRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	if _, err := Database.Collection(StatusCollectionName).InsertOne(ctx, status); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (ds *DBStore) FindStatusHistory(objID, compPath string, limit int) ([]StatusHistoryRecord, error) {
	if objID == "" {
		return nil, IdEmptyError
	}

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "obj_id", Value: objID}, {Key: "comp_path", Value: compPath}}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}).SetLimit(int64(limit))
	cursor, err := Database.Collection(StatusCollectionName).Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapErr(err)
	}

	var rows []StatusHistoryRecord
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, wrapErr(err)
	}
	return rows, nil
}
