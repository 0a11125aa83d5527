package rpc

import (
	"encoding/json"
	"testing"
)

func TestNewRequestRoundTrip(t *testing.T) {
	f, err := NewRequest("containers.list", map[string]string{"host": "h1"}, 7)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if !f.IsRequest() {
		t.Error("expected IsRequest true")
	}
	if f.IsNotification() {
		t.Error("a request with an id is not a notification")
	}
	if IDString(f.ID) != "7" {
		t.Errorf("expected id string %q, got %q", "7", IDString(f.ID))
	}

	var params map[string]string
	if err := json.Unmarshal(f.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params["host"] != "h1" {
		t.Errorf("expected host h1, got %q", params["host"])
	}
}

func TestNewNotificationHasNoID(t *testing.T) {
	f, err := NewNotification("journal.sync", []string{"a", "b"})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if !f.IsRequest() {
		t.Error("expected IsRequest true")
	}
	if !f.IsNotification() {
		t.Error("a request with no id is a notification")
	}
	if f.ID != nil {
		t.Error("expected nil id")
	}
}

func TestNewResultAndErrorResponse(t *testing.T) {
	id := rawID(3)

	result, err := NewResult(id, map[string]bool{"ok": true})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	if result.IsRequest() {
		t.Error("a response has no method and is not a request")
	}
	if result.Error != nil {
		t.Error("expected no error on success response")
	}

	errResp := NewErrorResponse(id, NewError(CodeMethodNotFound, "method not found: x"))
	if errResp.Error == nil || errResp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected error code %d, got %+v", CodeMethodNotFound, errResp.Error)
	}
	if errResp.Error.Error() != "method not found: x" {
		t.Errorf("unexpected Error() string: %q", errResp.Error.Error())
	}
}

func TestIDStringNilAndStringAndNumeric(t *testing.T) {
	if IDString(nil) != "" {
		t.Error("nil id should render as empty string")
	}
	if got := IDString(rawID("abc")); got != `"abc"` {
		t.Errorf("expected quoted string id, got %q", got)
	}
	if got := IDString(rawID(42)); got != "42" {
		t.Errorf("expected numeric id 42, got %q", got)
	}
}

func TestPermissionString(t *testing.T) {
	cases := map[Permission]string{
		PermRead:        "READ",
		PermWrite:       "WRITE",
		PermAdmin:       "ADMIN",
		Permission(999): "ADMIN", // unknown defaults to ADMIN, spec section 4.2
	}
	for perm, want := range cases {
		if got := perm.String(); got != want {
			t.Errorf("Permission(%d).String() = %q, want %q", perm, got, want)
		}
	}
}
