package comm

import "testing"

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state    ConnectionState
		expected string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateWaitingReconnect, "WAITING_RECONNECT"},
		{StateConnected, "CONNECTED"},
		{StateDisconnecting, "DISCONNECTING"},
	}

	for _, test := range tests {
		if result := test.state.String(); result != test.expected {
			t.Errorf("ConnectionState(%d).String(): expected %s, got %s", test.state, test.expected, result)
		}
	}
}

func TestDisconnectReasonString(t *testing.T) {
	tests := []struct {
		reason   DisconnectReason
		expected string
	}{
		{ReasonNotDisconnected, "NOT_DISCONNECTED"},
		{ReasonLocalRequest, "LOCAL_REQUEST"},
		{ReasonRemoteRequest, "REMOTE_REQUEST"},
		{ReasonError, "ERROR"},
		{ReasonTimeout, "TIMEOUT"},
	}

	for _, test := range tests {
		if result := test.reason.String(); result != test.expected {
			t.Errorf("DisconnectReason(%d).String(): expected %s, got %s", test.reason, test.expected, result)
		}
	}
}
