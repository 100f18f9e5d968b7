package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/life-stream-go-offline-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/utils"
)

// ConnectDatabase 按配置连接 MongoDB 并确保动作集合的索引存在
func ConnectDatabase(ctx context.Context, config c.Config) (*mongo.Client, *mongo.Database, error) {
	logger.DebugF("Connecting to database...")

	// 编码特殊字符
	databaseUrl := fmt.Sprintf("mongodb://%s:%d/", config.Database.Host, config.Database.Port)
	if config.Database.Username != "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			url.QueryEscape(config.Database.Username), url.QueryEscape(config.Database.Password),
			config.Database.Host,
			config.Database.Port,
		)
	}
	return ConnectURI(ctx, databaseUrl, config)
}

func ConnectURI(ctx context.Context, uri string, config c.Config) (*mongo.Client, *mongo.Database, error) {
	clientOptions := options.Client().ApplyURI(uri).SetAppName(config.AppName)
	// 连接池配置
	if config.Database.MinPoolSize > 0 {
		clientOptions.SetMinPoolSize(config.Database.MinPoolSize)
	}
	if config.Database.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(config.Database.MaxPoolSize)
	}
	if d := utils.ParseStringTime(config.Database.ConnectIdleTimeout); d > 0 {
		clientOptions.SetMaxConnIdleTime(d)
	}
	// 超时限制
	if d := utils.ParseStringTime(config.Database.ConnectTimeout); d > 0 {
		clientOptions.SetConnectTimeout(d)
	}
	if d := utils.ParseStringTime(config.Database.SocketTimeout); d > 0 {
		clientOptions.SetSocketTimeout(d)
	}
	// 心跳包
	if d := utils.ParseStringTime(config.Database.Heartbeat); d > 0 {
		clientOptions.SetHeartbeatInterval(d)
	}
	if config.Database.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s (%s)", evt.Address, evt.Reason)
			}
		},
	})

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	database := client.Database(config.Database.Database)
	if err := ensureIndexes(ctx, database); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}
	return client, database, nil
}

func ensureIndexes(ctx context.Context, database *mongo.Database) error {
	_, err := database.Collection(ActionCollectionName).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "action_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("queued_actions_action_id_unique"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}, {Key: "action_id", Value: 1}},
			Options: options.Index().SetName("queued_actions_created_at"),
		},
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	_, err = database.Collection(AcknowledgedCollectionName).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "action_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("acknowledged_actions_action_id_unique"),
	})
	if err != nil {
		return fmt.Errorf("error occured while creating database indexes: %w", err)
	}
	return nil
}

type DBCloseCallback struct {
	client  *mongo.Client
	timeout time.Duration
}

func NewDBCloseCallback(client *mongo.Client, timeout time.Duration) *DBCloseCallback {
	return &DBCloseCallback{client: client, timeout: timeout}
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, dc.timeout)
	defer cancel()
	return dc.client.Disconnect(ctx)
}
