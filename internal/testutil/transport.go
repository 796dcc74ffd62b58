package testutil

import (
	"slices"
	"sync"
)

// Message - одно доставленное событие.
type Message struct {
	To      int64
	Event   string
	Payload any
}

// RecordingTransport - in-memory транспорт с комнатами, записывает все доставки.
// Broadcast раскрывается в персональные сообщения по членству в комнатах,
// как это делает настоящий hub.
type RecordingTransport struct {
	mu       sync.Mutex
	rooms    map[string]map[int64]struct{}
	messages []Message
}

// NewRecordingTransport создаёт пустой транспорт.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{rooms: make(map[string]map[int64]struct{})}
}

func (t *RecordingTransport) SendTo(userID int64, event string, payload any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, Message{To: userID, Event: event, Payload: payload})
}

func (t *RecordingTransport) Broadcast(rooms []string, event string, payload any, except int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[int64]struct{})
	for _, r := range rooms {
		for id := range t.rooms[r] {
			if id == except {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			t.messages = append(t.messages, Message{To: id, Event: event, Payload: payload})
		}
	}
}

func (t *RecordingTransport) JoinRooms(userID int64, rooms []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rooms {
		set, ok := t.rooms[r]
		if !ok {
			set = make(map[int64]struct{})
			t.rooms[r] = set
		}
		set[userID] = struct{}{}
	}
}

func (t *RecordingTransport) LeaveRooms(userID int64, rooms []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rooms {
		t.leaveLocked(userID, r)
	}
}

func (t *RecordingTransport) SetRooms(userID int64, rooms []string) {
	t.mu.Lock()
	for r, set := range t.rooms {
		if _, ok := set[userID]; ok && !slices.Contains(rooms, r) {
			t.leaveLocked(userID, r)
		}
	}
	t.mu.Unlock()
	t.JoinRooms(userID, rooms)
}

func (t *RecordingTransport) leaveLocked(userID int64, room string) {
	set, ok := t.rooms[room]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(t.rooms, room)
	}
}

// RoomsOf возвращает отсортированный список комнат пользователя.
func (t *RecordingTransport) RoomsOf(userID int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for r, set := range t.rooms {
		if _, ok := set[userID]; ok {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return out
}

// Messages возвращает копию всех доставок.
func (t *RecordingTransport) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.messages)
}

// MessagesFor возвращает доставки одному пользователю, опционально по событию.
func (t *RecordingTransport) MessagesFor(userID int64, event string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Message
	for _, m := range t.messages {
		if m.To == userID && (event == "" || m.Event == event) {
			out = append(out, m)
		}
	}
	return out
}

// Reset очищает журнал доставок, комнаты остаются.
func (t *RecordingTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = nil
}
