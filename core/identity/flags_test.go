package identity

import "testing"

func TestConnectDisabledAndIsBanned(t *testing.T) {
	r := &Record{Meta: []byte("connect=false,note=hi"), Permissions: []byte("banned=true")}
	if !r.ConnectDisabled() {
		t.Fatalf("expected connect=false to disable auto-connect")
	}
	if !r.IsBanned() {
		t.Fatalf("expected banned=true to report banned")
	}

	ok := &Record{Meta: []byte("note=hi"), Permissions: nil}
	if ok.ConnectDisabled() || ok.IsBanned() {
		t.Fatalf("expected default record to allow connections")
	}
}
