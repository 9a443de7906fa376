// Package tlsconf 实现了网关的 TLS 身份生成与动态信任管理。
// 信任库支持运行时注入证书，配合证书交换边信道完成首次信任引导。
package tlsconf

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-iot-gateway/internal/logger"
)

// ErrUntrustedCertificate 表示对端证书不在信任库中
var ErrUntrustedCertificate = errors.New("peer certificate is not trusted")

// GenerateIdentity 为逻辑身份生成自签名证书，CN 即身份 ID
func GenerateIdentity(id string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("fail to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("fail to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: id},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("fail to create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("fail to parse generated certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// CertificateID 返回证书的逻辑身份（CN）
func CertificateID(cert *x509.Certificate) string {
	return cert.Subject.CommonName
}

// DynamicTrustManager 维护一个可在运行时扩展的信任证书集合
type DynamicTrustManager struct {
	mu    sync.RWMutex
	certs map[string]*x509.Certificate
}

func NewDynamicTrustManager() *DynamicTrustManager {
	return &DynamicTrustManager{certs: make(map[string]*x509.Certificate)}
}

// AddCertificate 注入一张信任证书，同 ID 的旧证书被替换
func (tm *DynamicTrustManager) AddCertificate(id string, cert *x509.Certificate) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.certs[id] = cert
	logger.InfoF("Certificate for %s added to trust store", id)
}

// AddCertificateDER 解析 DER 字节后注入，ID 取证书 CN
func (tm *DynamicTrustManager) AddCertificateDER(der []byte) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("fail to parse certificate: %w", err)
	}
	tm.AddCertificate(CertificateID(cert), cert)
	return nil
}

// IsTrusted 精确比对 DER 字节判断证书是否可信
func (tm *DynamicTrustManager) IsTrusted(der []byte) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	for _, cert := range tm.certs {
		if bytes.Equal(cert.Raw, der) {
			return true
		}
	}
	return false
}

// verifyPeer 是 tls.Config.VerifyPeerCertificate 的实现
func (tm *DynamicTrustManager) verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrUntrustedCertificate
	}
	if tm.IsTrusted(rawCerts[0]) {
		return nil
	}
	return ErrUntrustedCertificate
}

// ClientConfig 构造以动态信任库校验服务端证书的 TLS 配置。
// 标准链校验被关闭，信任完全由信任库决定。
func (tm *DynamicTrustManager) ClientConfig(identity *tls.Certificate) *tls.Config {
	cfg := &tls.Config{
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: tm.verifyPeer,
		MinVersion:            tls.VersionTLS12,
	}
	if identity != nil {
		cfg.Certificates = []tls.Certificate{*identity}
	}
	return cfg
}

// ServerConfig 构造服务端 TLS 配置，requireClientCert 时客户端证书也经信任库校验
func (tm *DynamicTrustManager) ServerConfig(identity tls.Certificate, requireClientCert bool) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{identity},
		MinVersion:   tls.VersionTLS12,
	}
	if requireClientCert {
		cfg.ClientAuth = tls.RequireAnyClientCert
		cfg.VerifyPeerCertificate = tm.verifyPeer
	} else {
		cfg.ClientAuth = tls.RequestClientCert
	}
	return cfg
}
