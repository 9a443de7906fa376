package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `{
	"database": {
		"host": "localhost",
		"port": 27017,
		"database": "gateway",
		"operation_timeout": "5s"
	},
	"gateway": {
		"server_id": "gw-test",
		"object_port": 8081,
		"service_port": 8082,
		"use_tls": true,
		"cert_sharing": true,
		"heartbeat_interval": "30s",
		"heartbeat_timeout": "40s",
		"heartbeat_reset_on_data": true,
		"shutdown_grace": "10s"
	},
	"registrar": {
		"url": "http://localhost:9000",
		"status_interval": "1m"
	},
	"debug_mode": true,
	"app_name": "iot-gateway"
}`

// 配置文件按相对路径读取，测试切换到临时目录下运行
func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		initialized = false
		config = Config{}
	})
}

func TestReadConfig(t *testing.T) {
	chdirTemp(t)
	if err := os.WriteFile("config.json", []byte(sampleConfig), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	conf, err := ReadConfig()
	if err != nil {
		t.Fatalf("ReadConfig: unexpected error %v", err)
	}
	if conf.Gateway.ServerID != "gw-test" || conf.Gateway.ObjectPort != 8081 || conf.Gateway.ServicePort != 8082 {
		t.Errorf("unexpected gateway section: %+v", conf.Gateway)
	}
	if !conf.Gateway.UseTLS || !conf.Gateway.CertSharing || !conf.Gateway.HeartbeatResetOnData {
		t.Errorf("unexpected gateway flags: %+v", conf.Gateway)
	}
	if conf.Registrar.URL != "http://localhost:9000" || conf.Registrar.StatusInterval != "1m" {
		t.Errorf("unexpected registrar section: %+v", conf.Registrar)
	}

	// GetConfig 命中缓存单例
	cached, err := GetConfig()
	if err != nil {
		t.Fatalf("GetConfig: unexpected error %v", err)
	}
	if cached.Gateway.ServerID != conf.Gateway.ServerID {
		t.Error("GetConfig: expected cached config to match")
	}
}

func TestReadConfigCreatesTemplate(t *testing.T) {
	chdirTemp(t)

	if _, err := ReadConfig(); err == nil {
		t.Fatal("ReadConfig: expected error for missing config file")
	}
	if _, err := os.Stat(filepath.Join(".", "config.json")); err != nil {
		t.Errorf("expected template config.json to be created: %v", err)
	}
}

func TestReadConfigInvalidJSON(t *testing.T) {
	chdirTemp(t)
	if err := os.WriteFile("config.json", []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ReadConfig(); err == nil {
		t.Fatal("ReadConfig: expected error for invalid JSON")
	}
}
