package tlsconf

import "testing"

func TestGenerateIdentity(t *testing.T) {
	cert, err := GenerateIdentity("obj-42")
	if err != nil {
		t.Fatalf("GenerateIdentity: unexpected error %v", err)
	}
	if cert.Leaf == nil {
		t.Fatal("GenerateIdentity: leaf certificate not populated")
	}
	if id := CertificateID(cert.Leaf); id != "obj-42" {
		t.Errorf("CertificateID: expected obj-42, got %s", id)
	}
}

func TestDynamicTrustManager(t *testing.T) {
	trusted, err := GenerateIdentity("peer-a")
	if err != nil {
		t.Fatalf("GenerateIdentity: unexpected error %v", err)
	}
	stranger, err := GenerateIdentity("peer-b")
	if err != nil {
		t.Fatalf("GenerateIdentity: unexpected error %v", err)
	}

	tm := NewDynamicTrustManager()
	if tm.IsTrusted(trusted.Certificate[0]) {
		t.Error("IsTrusted: empty trust store should trust nothing")
	}

	if err := tm.AddCertificateDER(trusted.Certificate[0]); err != nil {
		t.Fatalf("AddCertificateDER: unexpected error %v", err)
	}
	if !tm.IsTrusted(trusted.Certificate[0]) {
		t.Error("IsTrusted: expected true for added certificate")
	}
	if tm.IsTrusted(stranger.Certificate[0]) {
		t.Error("IsTrusted: expected false for unknown certificate")
	}

	if err := tm.verifyPeer([][]byte{trusted.Certificate[0]}, nil); err != nil {
		t.Errorf("verifyPeer: unexpected error %v", err)
	}
	if err := tm.verifyPeer([][]byte{stranger.Certificate[0]}, nil); err == nil {
		t.Error("verifyPeer: expected error for unknown certificate")
	}
	if err := tm.verifyPeer(nil, nil); err == nil {
		t.Error("verifyPeer: expected error for missing certificate")
	}

	// 同 ID 重新注入替换旧证书
	replacement, err := GenerateIdentity("peer-a")
	if err != nil {
		t.Fatalf("GenerateIdentity: unexpected error %v", err)
	}
	if err := tm.AddCertificateDER(replacement.Certificate[0]); err != nil {
		t.Fatalf("AddCertificateDER: unexpected error %v", err)
	}
	if tm.IsTrusted(trusted.Certificate[0]) {
		t.Error("IsTrusted: replaced certificate should no longer be trusted")
	}
	if !tm.IsTrusted(replacement.Certificate[0]) {
		t.Error("IsTrusted: replacement certificate should be trusted")
	}
}
