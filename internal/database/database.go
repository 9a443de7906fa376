package database

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	c "github.com/life-stream-dev/life-stream-go-iot-gateway/internal/config"
	event2 "github.com/life-stream-dev/life-stream-go-iot-gateway/internal/event"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var Client *mongo.Client
var Database *mongo.Database
var OperationTimeout time.Duration

// RecordNotFoundError 表示查询的记录不存在
var RecordNotFoundError = errors.New("record does not exist")

type DBCloseCallback struct {
}

func NewDBCloseCallback() *DBCloseCallback {
	return &DBCloseCallback{}
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()
	return Client.Disconnect(ctx)
}

// wrapErr 把 mongo 错误归一化为带上下文的错误，不存在的记录可用
// errors.Is(err, RecordNotFoundError) 判断
func wrapErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %v", RecordNotFoundError, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func ConnectDatabase() error {
	logger.DebugF("Connecting to database...")
	config, err := c.GetConfig()
	if err != nil {
		return fmt.Errorf("error occured while connecting to database: %v", err)
	}

	OperationTimeout = utils.ParseStringTime(config.Database.OperationTimeout)

	// 编码特殊字符
	encodedUser := url.QueryEscape(config.Database.Username)
	encodedPass := url.QueryEscape(config.Database.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Database.Host,
		config.Database.Port,
	)

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(config.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(config.Database.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.Database.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(config.Database.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTime(config.Database.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(config.Database.SocketTimeout))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(config.Database.Heartbeat))
	// TLS
	if config.Database.UseTLS {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: false,
		}
		clientOptions.SetTLSConfig(tlsConfig)
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})

	// 创建客户端
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	Client, err = mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("error occured while connecting to database: %v", err)
	}

	// 验证连接
	if err = Client.Ping(ctx, nil); err != nil {
		_ = Client.Disconnect(ctx)
		return fmt.Errorf("error occured while pinging database: %v", err)
	}

	Database = Client.Database(config.Database.Database)

	if err := createIndexes(); err != nil {
		return err
	}

	event2.NewCleaner().Add(NewDBCloseCallback())
	return nil
}

func createIndexes() error {
	uniqueKeys := map[string]string{
		ObjectCollectionName:        "obj_id",
		ServiceCollectionName:       "srv_id",
		ServiceStatusCollectionName: "full_id",
	}

	for collection, key := range uniqueKeys {
		_, err := Database.Collection(collection).Indexes().CreateOne(
			context.Background(),
			mongo.IndexModel{
				Keys:    bson.D{{Key: key, Value: 1}},
				Options: options.Index().SetUnique(true).SetName(collection + "_" + key + "_unique"),
			},
		)
		if err != nil {
			return fmt.Errorf("error occured while creating database indexes: %v", err)
		}
	}

	// 权限、事件与状态历史按对象查询
	for _, collection := range []string{PermissionCollectionName, EventCollectionName, StatusCollectionName} {
		_, err := Database.Collection(collection).Indexes().CreateOne(
			context.Background(),
			mongo.IndexModel{
				Keys:    bson.D{{Key: "obj_id", Value: 1}},
				Options: options.Index().SetName(collection + "_obj_id"),
			},
		)
		if err != nil {
			return fmt.Errorf("error occured while creating database indexes: %v", err)
		}
	}
	return nil
}
