package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMatchSubject(t *testing.T) {
	for _, tc := range []struct {
		pattern, subject string
		want             bool
	}{
		{"dealroom.unread.room", "dealroom.unread.room", true},
		{"dealroom.unread.room", "dealroom.unread.total", false},
		{"dealroom.unread.*", "dealroom.unread.total", true},
		{"dealroom.*", "dealroom.unread.total", false},
		{"dealroom.>", "dealroom.unread.total", true},
		{"dealroom.>", "dealroom", false},
		{"dealroom.unread.room.extra", "dealroom.unread.room", false},
	} {
		got := matchSubject(strings.Split(tc.pattern, "."), strings.Split(tc.subject, "."))
		if got != tc.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tc.pattern, tc.subject, got, tc.want)
		}
	}
}

func TestLocalBus_PublishSubscribe(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	unread, cancelUnread, err := bus.Subscribe("dealroom.unread.*")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer cancelUnread()
	escrow, cancelEscrow, err := bus.Subscribe(TopicEscrowProcessed)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer cancelEscrow()

	if err := bus.Publish(context.Background(), TopicRoomUnread, RoomUnreadChanged{RoomID: "r1", Count: 2}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case data := <-unread:
		var got RoomUnreadChanged
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.RoomID != "r1" || got.Count != 2 {
			t.Errorf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case data := <-escrow:
		t.Errorf("escrow subscriber received %s", data)
	default:
	}
}

func TestLocalBus_CancelAndClose(t *testing.T) {
	bus := NewLocalBus()
	ch, cancel, err := bus.Subscribe(TopicAll)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	ch2, _, _ := bus.Subscribe(TopicAll)
	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, ok := <-ch2; ok {
		t.Error("channel should be closed after bus Close")
	}
	if err := bus.Publish(context.Background(), TopicRoomUnread, nil); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Publish after Close = %v, want ErrBusClosed", err)
	}
	if _, _, err := bus.Subscribe(TopicAll); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrBusClosed", err)
	}
}

func TestLocalBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()
	_, cancel, _ := bus.Subscribe(TopicAll)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			_ = bus.Publish(context.Background(), TopicTotalUnread, TotalUnreadChanged{Count: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}
