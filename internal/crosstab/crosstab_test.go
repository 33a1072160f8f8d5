package crosstab

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMemoryHubDeliversToOtherTabsOnly(t *testing.T) {
	hub := NewMemoryHub()
	tab1 := hub.Join()
	tab2 := hub.Join()

	var mu sync.Mutex
	var tab1Got, tab2Got []Message
	tab1.OnMessage(func(msg Message) {
		mu.Lock()
		tab1Got = append(tab1Got, msg)
		mu.Unlock()
	})
	tab2.OnMessage(func(msg Message) {
		mu.Lock()
		tab2Got = append(tab2Got, msg)
		mu.Unlock()
	})

	if err := tab1.Broadcast(TypeLogout, nil); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(tab1Got) != 0 {
		t.Fatalf("sender must not receive its own message, got %d", len(tab1Got))
	}
	if len(tab2Got) != 1 || tab2Got[0].Type != TypeLogout {
		t.Fatalf("expected one LOGOUT at tab2, got %+v", tab2Got)
	}
}

func TestReceiverDoesNotReBroadcast(t *testing.T) {
	hub := NewMemoryHub()
	tab1 := hub.Join()
	tab2 := hub.Join()
	tab3 := hub.Join()

	var mu sync.Mutex
	tab3Count := 0
	tab3.OnMessage(func(Message) {
		mu.Lock()
		tab3Count++
		mu.Unlock()
	})
	// tab2 handles the message the way the session layer does: react
	// locally, never emit a fresh broadcast for a received message.
	tab2.OnMessage(func(msg Message) {})

	if err := tab1.Broadcast(TypeLogout, nil); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if tab3Count != 1 {
		t.Fatalf("expected exactly one delivery at tab3, got %d", tab3Count)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	tab1 := hub.Join()
	tab2 := hub.Join()

	var mu sync.Mutex
	count := 0
	unsubscribe := tab2.OnMessage(func(Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsubscribe()
	unsubscribe()

	if err := tab1.Broadcast(TypeSessionExpired, nil); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", count)
	}
}

func TestFileChannelCrossProcessDelivery(t *testing.T) {
	spool := filepath.Join(t.TempDir(), "broadcast.jsonl")
	tab1, err := NewFileChannelWithOptions(spool, FileChannelOptions{SenderID: "tab_one"})
	if err != nil {
		t.Fatalf("open tab1 failed: %v", err)
	}
	defer tab1.Close()
	tab2, err := NewFileChannelWithOptions(spool, FileChannelOptions{SenderID: "tab_two"})
	if err != nil {
		t.Fatalf("open tab2 failed: %v", err)
	}
	defer tab2.Close()

	received := make(chan Message, 4)
	tab2.OnMessage(func(msg Message) { received <- msg })

	if err := tab1.Broadcast(TypeAuthStateChanged, map[string]string{"userId": "u1"}); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != TypeAuthStateChanged || msg.SenderID != "tab_one" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for file channel delivery")
	}

	// The sender's own watcher must not have looped the message back.
	senderEcho := make(chan Message, 1)
	tab1.OnMessage(func(msg Message) { senderEcho <- msg })
	select {
	case msg := <-senderEcho:
		t.Fatalf("sender received its own broadcast: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFileChannelBroadcastDoesNotSkipPendingForeignLine(t *testing.T) {
	spool := filepath.Join(t.TempDir(), "broadcast.jsonl")
	tab2, err := NewFileChannelWithOptions(spool, FileChannelOptions{SenderID: "tab_two"})
	if err != nil {
		t.Fatalf("open tab2 failed: %v", err)
	}
	defer tab2.Close()

	received := make(chan Message, 4)
	tab2.OnMessage(func(msg Message) { received <- msg })

	// A foreign message lands in the spool and tab2 appends its own line
	// before the watcher drains. The unread foreign line must still arrive.
	foreign, err := buildMessage(TypeLogout, nil, "tab_one")
	if err != nil {
		t.Fatalf("build message failed: %v", err)
	}
	line, err := json.Marshal(foreign)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	appendRawLine(t, spool, string(line))
	if err := tab2.Broadcast(TypeAuthStateChanged, nil); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != TypeLogout || msg.SenderID != "tab_one" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("foreign line written before own broadcast was never delivered")
	}
}

func TestFileChannelSkipsMalformedLines(t *testing.T) {
	spool := filepath.Join(t.TempDir(), "broadcast.jsonl")
	tab1, err := NewFileChannelWithOptions(spool, FileChannelOptions{SenderID: "tab_one"})
	if err != nil {
		t.Fatalf("open tab1 failed: %v", err)
	}
	defer tab1.Close()
	tab2, err := NewFileChannelWithOptions(spool, FileChannelOptions{SenderID: "tab_two"})
	if err != nil {
		t.Fatalf("open tab2 failed: %v", err)
	}
	defer tab2.Close()

	received := make(chan Message, 4)
	tab2.OnMessage(func(msg Message) { received <- msg })

	appendRawLine(t, spool, "{not json")
	if err := tab1.Broadcast(TypeLogout, nil); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != TypeLogout {
			t.Fatalf("expected LOGOUT after malformed line, got %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for delivery past malformed line")
	}
}

func appendRawLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open spool failed: %v", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("append raw line failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close spool failed: %v", err)
	}
}
