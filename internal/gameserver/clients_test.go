package gameserver

import (
	"encoding/json"
	"testing"
	"time"
)

// newTestClient builds a client without a socket; frames stay in sendCh.
func newTestClient(t *testing.T, userID int64, id string) *Client {
	t.Helper()
	c := &Client{
		id:           id,
		userID:       userID,
		sendCh:       make(chan []byte, 16),
		closeCh:      make(chan struct{}),
		writeTimeout: time.Second,
	}
	c.state.Store(int32(ClientStateReady))
	return c
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// queued drains every frame waiting in c's outbox.
func queued(t *testing.T, c *Client) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case data := <-c.sendCh:
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("decoding queued frame: %v", err)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestNewClientManager(t *testing.T) {
	cm := NewClientManager()
	if cm == nil {
		t.Fatal("NewClientManager returned nil")
	}
	if cm.Count() != 0 {
		t.Errorf("Initial Count() = %d, want 0", cm.Count())
	}
}

func TestClientManager_ActivateReplaces(t *testing.T) {
	cm := NewClientManager()
	first := newTestClient(t, 1, "a")
	second := newTestClient(t, 1, "b")

	if prev := cm.Activate(first); prev != nil {
		t.Fatalf("Activate(first) replaced %v, want nil", prev.ID())
	}
	if prev := cm.Activate(first); prev != nil {
		t.Errorf("re-activating the same client returned %v, want nil", prev.ID())
	}
	if prev := cm.Activate(second); prev != first {
		t.Fatalf("Activate(second) should return first")
	}

	if cm.Count() != 1 {
		t.Errorf("Count() = %d, want 1", cm.Count())
	}
	if cm.GetClient(1) != second {
		t.Error("GetClient should return the newest connection")
	}
	if cm.IsCurrent(first) {
		t.Error("first must not be current any more")
	}
}

func TestClientManager_ClearIfCurrent(t *testing.T) {
	cm := NewClientManager()
	first := newTestClient(t, 1, "a")
	second := newTestClient(t, 1, "b")

	cm.Activate(first)
	cm.Activate(second)

	if cm.ClearIfCurrent(first) {
		t.Error("stale connection must not clear the newer one")
	}
	if cm.GetClient(1) != second {
		t.Fatal("second must stay canonical")
	}
	if !cm.ClearIfCurrent(second) {
		t.Error("ClearIfCurrent(second) = false, want true")
	}
	if cm.GetClient(1) != nil {
		t.Error("GetClient after clear should be nil")
	}
}

func TestClientManager_ForEachClient(t *testing.T) {
	cm := NewClientManager()
	for i := range int64(5) {
		cm.Activate(newTestClient(t, i+1, "c"))
	}

	count := 0
	cm.ForEachClient(func(*Client) bool {
		count++
		return true
	})
	if count != 5 {
		t.Errorf("ForEachClient visited %d, want 5", count)
	}

	count = 0
	cm.ForEachClient(func(*Client) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("ForEachClient with early stop visited %d, want 2", count)
	}
}

func TestClient_SendAfterCloseFails(t *testing.T) {
	c := newTestClient(t, 1, "a")
	c.CloseAsync()

	if err := c.Send([]byte(`{}`)); err == nil {
		t.Error("Send after close should fail")
	}
	if c.State() != ClientStateDisconnected {
		t.Errorf("State() = %v, want DISCONNECTED", c.State())
	}
}

func TestClient_SlowClientClosed(t *testing.T) {
	c := newTestClient(t, 1, "a")
	c.sendCh = make(chan []byte, 1)

	if err := c.Send([]byte(`{}`)); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := c.Send([]byte(`{}`)); err == nil {
		t.Fatal("Send on a full queue should fail")
	}

	select {
	case <-c.Done():
	default:
		t.Error("slow client should be closing")
	}
}
