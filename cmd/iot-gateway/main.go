package main

import (
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/database"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/event"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/gateway"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
)

func main() {
	conf, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init()
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	err = database.ConnectDatabase()
	if err != nil {
		logger.FatalF("Error occured while initializing database, details: %v", err)
		return
	}
	gw, err := gateway.NewGateway(conf, database.NewDatabaseStore())
	if err != nil {
		logger.FatalF("Error occured while assembling gateway, details: %v", err)
		return
	}
	if err := gw.Startup(); err != nil {
		logger.FatalF("Error occured while starting gateway, details: %v", err)
		return
	}
	cleaner.Add(gw)

	// 信号处理由 cleaner 负责，主协程只需常驻
	select {}
}
