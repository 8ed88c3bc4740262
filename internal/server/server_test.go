package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeSource struct {
	values     map[string]interface{}
	subscribed map[string]int
	writes     map[string]json.RawMessage
	injected   map[string]json.RawMessage
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		values:     map[string]interface{}{"Vision.main.ball_x": 1.5},
		subscribed: map[string]int{},
		writes:     map[string]json.RawMessage{},
		injected:   map[string]json.RawMessage{},
	}
}

func (f *fakeSource) Get(path string) (interface{}, error) {
	v, ok := f.values[path]
	if !ok {
		return nil, pathNotFoundErr(path)
	}
	return v, nil
}
func (f *fakeSource) GetBinary(path string) ([]byte, int, int, string, error) {
	return []byte{1, 2, 3}, 4, 4, "rgb8", nil
}
func (f *fakeSource) Fields(path string) ([]string, error) {
	return []string{"Vision.main.ball_x"}, nil
}
func (f *fakeSource) Write(path string, data json.RawMessage) error {
	f.writes[path] = data
	return nil
}
func (f *fakeSource) Inject(path string, data json.RawMessage) error {
	f.injected[path] = data
	return nil
}
func (f *fakeSource) ClearInjection(path string) error {
	delete(f.injected, path)
	return nil
}
func (f *fakeSource) Subscribe(path string)   { f.subscribed[path]++ }
func (f *fakeSource) Unsubscribe(path string) { f.subscribed[path]-- }

type pathNotFoundErr string

func (e pathNotFoundErr) Error() string { return "not found: " + string(e) }

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	return conn
}

func TestGetNext(t *testing.T) {
	src := newFakeSource()
	srv := New(src, NewBroadcaster())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	req := Envelope{ID: "1", Kind: KindGetNext, Path: "Vision.main.ball_x", Format: FormatJSON}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatal(err)
	}

	var resp Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "1" || string(resp.Data) != "1.5" {
		t.Errorf("response = %+v, want data 1.5", resp)
	}
}

func TestSubscribeThenBroadcast(t *testing.T) {
	src := newFakeSource()
	broadcaster := NewBroadcaster()
	srv := New(src, broadcaster)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	req := Envelope{ID: "sub1", Kind: KindSubscribe, Path: "Vision.main.ball_x", Format: FormatJSON}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatal(err)
	}
	var ack Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if src.subscribed["Vision.main.ball_x"] != 1 {
		t.Errorf("subscribed count = %d, want 1", src.subscribed["Vision.main.ball_x"])
	}

	// Give the server a moment to register the connection with the
	// broadcaster before pushing.
	time.Sleep(20 * time.Millisecond)
	broadcaster.PushJSON("Vision.main.ball_x", 9.75)

	var pushed Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&pushed); err != nil {
		t.Fatal(err)
	}
	if string(pushed.Data) != "9.75" {
		t.Errorf("pushed value = %s, want 9.75", pushed.Data)
	}
}

func TestWriteAndInject(t *testing.T) {
	src := newFakeSource()
	srv := New(src, NewBroadcaster())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	write := Envelope{ID: "w1", Kind: KindWrite, Path: "walk.max_speed", Data: json.RawMessage(`0.9`)}
	if err := conn.WriteJSON(write); err != nil {
		t.Fatal(err)
	}
	var resp Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "" {
		t.Errorf("write response error = %q", resp.Error)
	}
	if string(src.writes["walk.max_speed"]) != "0.9" {
		t.Errorf("Write not applied, got %v", src.writes)
	}

	inject := Envelope{ID: "i1", Kind: KindInject, Path: "Vision.main.ball_x", Data: json.RawMessage(`7`)}
	if err := conn.WriteJSON(inject); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if string(src.injected["Vision.main.ball_x"]) != "7" {
		t.Errorf("Inject not applied, got %v", src.injected)
	}

	clear := Envelope{ID: "c1", Kind: KindClearInjection, Path: "Vision.main.ball_x"}
	if err := conn.WriteJSON(clear); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if _, present := src.injected["Vision.main.ball_x"]; present {
		t.Error("ClearInjection did not remove the override")
	}
}

func TestGetFieldsAndUnknownPathError(t *testing.T) {
	src := newFakeSource()
	srv := New(src, NewBroadcaster())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	fieldsReq := Envelope{ID: "f1", Kind: KindGetFields, Path: ""}
	if err := conn.WriteJSON(fieldsReq); err != nil {
		t.Fatal(err)
	}
	var resp Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Fields) == 0 {
		t.Error("get_fields returned no fields")
	}

	badReq := Envelope{ID: "bad", Kind: KindGetNext, Path: "Does.Not.Exist"}
	if err := conn.WriteJSON(badReq); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" {
		t.Error("expected an error response for an unknown path")
	}
}
