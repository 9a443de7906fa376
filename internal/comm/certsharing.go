package comm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/tlsconf"
)

// 证书交换边信道：监听端口 = 服务端口 + 1。
// 双方各写一帧 `uint32 大端长度 + DER 字节`，零长度表示本端没有证书。
// 仅用于首次信任引导，不承载业务数据。

// maxCertFrameSize 限制单张证书的 DER 大小
const maxCertFrameSize = 64 * 1024

func writeCertFrame(conn net.Conn, der []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(der)))
	if err := writeFull(conn, length[:]); err != nil {
		return err
	}
	if len(der) == 0 {
		return nil
	}
	return writeFull(conn, der)
}

func readCertFrame(conn net.Conn) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(length[:])
	if size == 0 {
		return nil, nil
	}
	if size > maxCertFrameSize {
		return nil, fmt.Errorf("certificate frame too large: %d bytes", size)
	}
	der := make([]byte, size)
	if _, err := io.ReadFull(conn, der); err != nil {
		return nil, err
	}
	return der, nil
}

// shareCertificates 执行客户端侧的证书交换：发送本地证书（如有），
// 接收并信任服务端证书。发送与接收作为两个独立完成信号等待，共用一个超时。
func shareCertificates(addr string, localDER []byte, trust *tlsconf.DynamicTrustManager, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("fail to open certificate sharing channel: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	sent := make(chan error, 1)
	received := make(chan error, 1)

	go func() {
		sent <- writeCertFrame(conn, localDER)
	}()
	go func() {
		der, err := readCertFrame(conn)
		if err == nil && len(der) == 0 {
			err = errors.New("remote peer sent no certificate")
		}
		if err == nil {
			err = trust.AddCertificateDER(der)
		}
		received <- err
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, ch := range []chan error{sent, received} {
		select {
		case err := <-ch:
			if err != nil {
				return fmt.Errorf("certificate exchange failed: %w", err)
			}
		case <-deadline.C:
			return errors.New("certificate exchange timed out")
		}
	}
	return nil
}

// serveCertSharing 处理服务端侧的一次证书交换
func serveCertSharing(conn net.Conn, localDER []byte, trust *tlsconf.DynamicTrustManager, timeout time.Duration) {
	defer func() {
		_ = conn.Close()
	}()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	der, err := readCertFrame(conn)
	if err != nil {
		logger.WarnF("[%s] Fail to read client certificate, details: %v", conn.RemoteAddr(), err)
		return
	}
	if len(der) > 0 {
		if err := trust.AddCertificateDER(der); err != nil {
			logger.WarnF("[%s] Fail to trust client certificate, details: %v", conn.RemoteAddr(), err)
			return
		}
	}
	if err := writeCertFrame(conn, localDER); err != nil {
		logger.WarnF("[%s] Fail to send server certificate, details: %v", conn.RemoteAddr(), err)
	}
}
