package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
)

// NotConnectedError 表示在未连接状态下尝试发送数据
type NotConnectedError struct {
	PeerID string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("peer %s is not connected", e.PeerID)
}

// StreamError 表示已建立连接上的读写失败，触发 ReasonError 断开
type StreamError struct {
	PeerID string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error on peer %s: %v", e.PeerID, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ConnectionError 表示建立连接失败
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("fail to connect %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UnknownHostError 表示主机名无法解析，属于配置错误，不触发自动重连
type UnknownHostError struct {
	Host string
	Err  error
}

func (e *UnknownHostError) Error() string {
	return fmt.Sprintf("unknown host %s: %v", e.Host, e.Err)
}

func (e *UnknownHostError) Unwrap() error { return e.Err }

// isNetClosedError 仅识别套接字已关闭。超时不算关闭，
// 调用方（如 accept 循环）对超时走各自的重试分支。
func isNetClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

func handleReadError(peerID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Remote peer close connection", peerID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", peerID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", peerID, err)
	}
}

// isRemoteUnreachable 区分"对端暂时不可达"（可重连）与配置性错误
func isRemoteUnreachable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// connection refused, host/network unreachable
		return opErr.Op == "dial"
	}
	return false
}
