package room

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	reg := NewRegistry(NewMemoryPasswordStore())
	srv := NewServer(reg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, reg
}

func dialWS(t *testing.T, ts *httptest.Server, room, passwordHash string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	u.Scheme = "ws"
	q := url.Values{"room": {room}}
	if passwordHash != "" {
		q.Set("passwordHash", passwordHash)
	}
	u.Path = "/ws"
	u.RawQuery = q.Encode()
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

func TestHappyJoinRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	alice, _, err := dialWS(t, ts, "ROOM1", "")
	if err != nil {
		t.Fatalf("alice dial: %v", err)
	}
	defer alice.Close()

	if err := alice.WriteJSON(Message{Type: TypeJoin, Data: JoinData{Name: "Alice"}}); err != nil {
		t.Fatal(err)
	}
	var joined Message
	if err := alice.ReadJSON(&joined); err != nil {
		t.Fatal(err)
	}
	if joined.Type != TypeJoined {
		t.Fatalf("expected joined, got %v", joined.Type)
	}

	bob, _, err := dialWS(t, ts, "ROOM1", "")
	if err != nil {
		t.Fatalf("bob dial: %v", err)
	}
	defer bob.Close()
	if err := bob.WriteJSON(Message{Type: TypeJoin, Data: JoinData{Name: "Bob"}}); err != nil {
		t.Fatal(err)
	}
	var bobJoined Message
	if err := bob.ReadJSON(&bobJoined); err != nil {
		t.Fatal(err)
	}
	var data JoinedData
	if !decodeInto(bobJoined.Data, &data) {
		t.Fatal("could not decode joined data")
	}
	if len(data.Peers) != 1 || data.Peers[0].Name != "Alice" {
		t.Fatalf("bob should see alice in roster, got %+v", data.Peers)
	}

	var peerJoined Message
	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := alice.ReadJSON(&peerJoined); err != nil {
		t.Fatalf("alice should observe bob's peer-joined: %v", err)
	}
	if peerJoined.Type != TypePeerJoined {
		t.Fatalf("expected peer-joined, got %v", peerJoined.Type)
	}
}

// TestPasswordGate covers end-to-end scenario 6 from spec section 8.
func TestPasswordGate(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/room/set-password?room=ROOM2", "application/json",
		bytes.NewBufferString(`{"passwordHash":"deadbeef"}`))
	if err != nil {
		t.Fatal(err)
	}
	var setResp setPasswordResponse
	json.NewDecoder(resp.Body).Decode(&setResp)
	resp.Body.Close()
	if !setResp.Success {
		t.Fatalf("set-password should succeed on a fresh room: %+v", setResp)
	}

	checkResp, err := http.Get(ts.URL + "/api/room/check-password?room=ROOM2")
	if err != nil {
		t.Fatal(err)
	}
	var checkData checkPasswordResponse
	json.NewDecoder(checkResp.Body).Decode(&checkData)
	checkResp.Body.Close()
	if !checkData.HasPassword {
		t.Fatal("check-password should report hasPassword=true")
	}

	// Carol joins without a hash -> closed with 4001. RS upgrades the
	// socket so it can deliver the error frame and close code, so the
	// dial itself succeeds; the rejection shows up on the first read.
	conn, _, dialErr := dialWS(t, ts, "ROOM2", "")
	if dialErr != nil {
		t.Fatalf("dial should succeed (RS upgrades before rejecting): %v", dialErr)
	}
	defer conn.Close()

	var errMsg Message
	if err := conn.ReadJSON(&errMsg); err != nil {
		t.Fatalf("expected an error frame before close: %v", err)
	}
	if errMsg.Type != TypeError {
		t.Fatalf("expected error frame, got %v", errMsg.Type)
	}

	_, _, readErr := conn.ReadMessage()
	if readErr == nil {
		t.Fatal("expected the connection to be closed by the server")
	}
	if !websocket.IsCloseError(readErr, CloseCodePasswordRequired) {
		t.Fatalf("expected close code %d, got: %v", CloseCodePasswordRequired, readErr)
	}

	// Carol retries with the correct hash -> joins normally.
	good, _, err := dialWS(t, ts, "ROOM2", "deadbeef")
	if err != nil {
		t.Fatalf("dial with correct hash: %v", err)
	}
	defer good.Close()
	if err := good.WriteJSON(Message{Type: TypeJoin, Data: JoinData{Name: "Carol"}}); err != nil {
		t.Fatal(err)
	}
	var joined Message
	if err := good.ReadJSON(&joined); err != nil {
		t.Fatalf("carol should join successfully: %v", err)
	}
	if joined.Type != TypeJoined {
		t.Fatalf("expected joined, got %v", joined.Type)
	}

	// Carol retries with an incorrect hash -> closed with 4002.
	bad, _, err := dialWS(t, ts, "ROOM2", "wrong")
	if err != nil {
		t.Fatalf("dial with incorrect hash: %v", err)
	}
	defer bad.Close()
	var badErrMsg Message
	if err := bad.ReadJSON(&badErrMsg); err != nil {
		t.Fatalf("expected an error frame before close: %v", err)
	}
	_, _, badReadErr := bad.ReadMessage()
	if !websocket.IsCloseError(badReadErr, CloseCodePasswordIncorrect) {
		t.Fatalf("expected close code %d, got: %v", CloseCodePasswordIncorrect, badReadErr)
	}
}

func TestSetPasswordOnceOnly(t *testing.T) {
	ts, _ := newTestServer(t)

	post := func(hash string) setPasswordResponse {
		resp, err := http.Post(ts.URL+"/api/room/set-password?room=ROOM3", "application/json",
			bytes.NewBufferString(`{"passwordHash":"`+hash+`"}`))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out setPasswordResponse
		json.NewDecoder(resp.Body).Decode(&out)
		return out
	}

	first := post("hash-1")
	if !first.Success {
		t.Fatalf("first set-password should succeed: %+v", first)
	}
	second := post("hash-2")
	if second.Success {
		t.Fatalf("second set-password must fail: %+v", second)
	}
}
