package store

import (
	"bytes"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConnectionLifecycle(t *testing.T) {
	db := testDB(t)

	id, err := db.CreateConnection("support-01", "whatsmeow")
	if err != nil {
		t.Fatal(err)
	}

	conn, err := db.GetConnection(id)
	if err != nil {
		t.Fatal(err)
	}
	if conn == nil {
		t.Fatal("connection not found after create")
	}
	if conn.Status != "DISCONNECTED" || conn.Retries != 0 {
		t.Errorf("fresh connection = %+v", conn)
	}

	if err := db.UpdateConnection(id, "CONNECTED", "", 0, []byte("creds")); err != nil {
		t.Fatal(err)
	}
	conn, err = db.GetConnection(id)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Status != "CONNECTED" || !bytes.Equal(conn.Session, []byte("creds")) {
		t.Errorf("after update: %+v", conn)
	}

	if err := db.DeleteConnection(id); err != nil {
		t.Fatal(err)
	}
	conn, err = db.GetConnection(id)
	if err != nil {
		t.Fatal(err)
	}
	if conn != nil {
		t.Error("connection still present after delete")
	}
}

func TestGetConnectionMissing(t *testing.T) {
	db := testDB(t)
	conn, err := db.GetConnection(999)
	if err != nil {
		t.Fatal(err)
	}
	if conn != nil {
		t.Errorf("got %+v, want nil", conn)
	}
}

func TestListEnabledConnections(t *testing.T) {
	db := testDB(t)

	if _, err := db.CreateConnection("a", "whatsmeow"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateConnection("b", "loopback"); err != nil {
		t.Fatal(err)
	}

	conns, err := db.ListEnabledConnections()
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 2 {
		t.Fatalf("got %d connections, want 2", len(conns))
	}
	if conns[1].Provider != "loopback" {
		t.Errorf("provider = %q, want loopback", conns[1].Provider)
	}
}

func TestDeviceKeyRoundTrip(t *testing.T) {
	db := testDB(t)

	k := DeviceKey{ConnectionID: 1, DeviceID: "d1", Type: "identity-key", KeyID: "k1", Value: []byte("v1")}
	if err := db.UpsertDeviceKey(k); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetDeviceKeys(1, "d1", "identity-key", []string{"k1", "never-written"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !bytes.Equal(got["k1"], []byte("v1")) {
		t.Errorf("got %v, want only k1=v1", got)
	}
}

func TestDeviceKeyUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	k := DeviceKey{ConnectionID: 1, DeviceID: "d1", Type: "identity-key", KeyID: "k1", Value: []byte("v1")}
	if err := db.UpsertDeviceKey(k); err != nil {
		t.Fatal(err)
	}
	k.Value = []byte("v2")
	if err := db.UpsertDeviceKey(k); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetDeviceKeys(1, "d1", "identity-key", []string{"k1"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got["k1"], []byte("v2")) {
		t.Errorf("got %q, want v2", got["k1"])
	}
}

func TestDeleteDeviceKeys(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"k1", "k2"} {
		if err := db.UpsertDeviceKey(DeviceKey{ConnectionID: 1, DeviceID: "d1", Type: "identity-key", KeyID: id, Value: []byte("v")}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpsertDeviceKey(DeviceKey{ConnectionID: 2, DeviceID: "d1", Type: "identity-key", KeyID: "k1", Value: []byte("v")}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteDeviceKeys(1); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetDeviceKeys(1, "d1", "identity-key", []string{"k1", "k2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("connection 1 keys survived delete: %v", got)
	}

	other, err := db.GetDeviceKeys(2, "d1", "identity-key", []string{"k1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 1 {
		t.Error("connection 2 keys were deleted")
	}
}

func TestGetDeviceKeysSurfacesQueryFailure(t *testing.T) {
	db := testDB(t)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	// A missing id is absence, a failing query is not; the closed handle
	// must surface as an error, never as an empty result.
	if _, err := db.GetDeviceKeys(1, "d1", "identity-key", []string{"k1"}); err == nil {
		t.Fatal("query failure reported as missing keys")
	}
}
