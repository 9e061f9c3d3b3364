package chat_test

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/history"
	"github.com/omochice/relay-chat/internal/logging"
	"github.com/omochice/relay-chat/pkg/protocol"
)

var fixedNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type recordingLog struct {
	mu      sync.Mutex
	records []history.Record
}

func (l *recordingLog) Append(rec history.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

func (l *recordingLog) all() []history.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]history.Record(nil), l.records...)
}

type routerFixture struct {
	registry *chat.Registry
	router   *chat.Router
	history  *recordingLog
	conns    map[string]*mockConn
	peers    map[string]*chat.Peer
}

func newRouterFixture(t *testing.T, handles ...string) *routerFixture {
	t.Helper()
	f := &routerFixture{
		registry: chat.NewRegistry(),
		history:  &recordingLog{},
		conns:    make(map[string]*mockConn),
		peers:    make(map[string]*chat.Peer),
	}
	f.router = chat.NewRouter(f.registry, f.history, logging.NopLogger(), chat.WithClock(func() time.Time { return fixedNow }))
	for _, h := range handles {
		conn := newMockConn("127.0.0.1:1234")
		peer := chat.NewPeer("id-"+h, conn, protocol.JSON)
		if !f.registry.Register(h, peer) {
			t.Fatalf("failed to register %s", h)
		}
		f.conns[h] = conn
		f.peers[h] = peer
	}
	return f
}

func (f *routerFixture) dispatch(from string, msg protocol.Inbound) {
	f.router.Dispatch(context.Background(), f.peers[from], msg)
}

func TestRouter_PublicChat(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob", "carol")

	f.dispatch("alice", protocol.PublicChat{Body: "hi"})

	want := protocol.Chat{Sender: "alice", Body: "hi", Time: fixedNow}
	for _, h := range []string{"alice", "bob", "carol"} {
		got := f.conns[h].received(t)
		if len(got) != 1 || !reflect.DeepEqual(got[0], want) {
			t.Errorf("%s received %v, want %v", h, got, want)
		}
	}

	records := f.history.all()
	if len(records) != 1 {
		t.Fatalf("history has %d records, want 1", len(records))
	}
	if rec := records[0]; rec.Sender != "alice" || rec.Receiver != nil || rec.Body != "hi" || !rec.Time.Equal(fixedNow) {
		t.Errorf("history record = %+v", rec)
	}
}

func TestRouter_PublicChatSurvivesFailedRecipient(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob", "carol", "dave")
	f.conns["bob"].failWrites(errWriteFailed)

	f.dispatch("alice", protocol.PublicChat{Body: "still here"})

	for _, h := range []string{"alice", "carol", "dave"} {
		if got := ofKind[protocol.Chat](f.conns[h].received(t)); len(got) != 1 {
			t.Errorf("%s received %d chat messages, want 1", h, len(got))
		}
	}
}

func TestRouter_PanickingRecipientIsIsolated(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob", "carol")
	f.conns["bob"].mu.Lock()
	f.conns["bob"].panicWrite = true
	f.conns["bob"].mu.Unlock()

	f.dispatch("alice", protocol.FileTransfer{Filename: "a.txt", Payload: "YQ=="})

	for _, h := range []string{"alice", "carol"} {
		if got := ofKind[protocol.File](f.conns[h].received(t)); len(got) != 1 {
			t.Errorf("%s received %d file messages, want 1", h, len(got))
		}
	}
}

func TestRouter_PrivateTransfer(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob", "carol")

	f.dispatch("alice", protocol.PrivateTransfer{Target: "bob", Body: "psst"})

	want := protocol.Private{Sender: "alice", Target: "bob", Body: "psst", Time: fixedNow}
	for _, h := range []string{"alice", "bob"} {
		got := f.conns[h].received(t)
		if len(got) != 1 || !reflect.DeepEqual(got[0], want) {
			t.Errorf("%s received %v, want %v", h, got, want)
		}
	}
	if got := f.conns["carol"].received(t); len(got) != 0 {
		t.Errorf("carol received %v, want nothing", got)
	}
	if got := f.history.all(); len(got) != 0 {
		t.Errorf("private transfer wrote history: %v", got)
	}
}

func TestRouter_PrivateTransferUnreachable(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"offline target", "zed"},
		{"self target", "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, "alice", "bob")

			f.dispatch("alice", protocol.PrivateTransfer{Target: tt.target, Body: "hello?"})

			got := f.conns["alice"].received(t)
			if len(got) != 1 {
				t.Fatalf("alice received %d messages, want 1", len(got))
			}
			info, ok := got[0].(protocol.Info)
			if !ok {
				t.Fatalf("alice received %T, want info", got[0])
			}
			if want := "System: User " + tt.target + " is not online."; info.Message != want {
				t.Errorf("info = %q, want %q", info.Message, want)
			}
			if got := f.conns["bob"].received(t); len(got) != 0 {
				t.Errorf("bob received %v, want nothing", got)
			}
			if got := f.history.all(); len(got) != 0 {
				t.Errorf("unreachable transfer wrote history: %v", got)
			}
		})
	}
}

func TestRouter_FileTransfer(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")
	payload := map[string]any{"mime": "text/plain", "data": "aGk="}

	f.dispatch("bob", protocol.FileTransfer{Filename: "hi.txt", Payload: payload})

	want := protocol.File{Sender: "bob", Filename: "hi.txt", Payload: payload, Time: fixedNow}
	for _, h := range []string{"alice", "bob"} {
		got := f.conns[h].received(t)
		if len(got) != 1 || !reflect.DeepEqual(got[0], want) {
			t.Errorf("%s received %v, want %v", h, got, want)
		}
	}
	if got := f.history.all(); len(got) != 0 {
		t.Errorf("file transfer wrote history: %v", got)
	}
}

func TestRouter_TypingStatusExcludesSender(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob", "carol")
	f.conns["bob"].failWrites(errWriteFailed)

	f.dispatch("alice", protocol.TypingStatus{IsTyping: true})

	if got := f.conns["alice"].received(t); len(got) != 0 {
		t.Errorf("sender received %v, want nothing", got)
	}
	got := f.conns["carol"].received(t)
	want := protocol.TypingNotification{Sender: "alice", IsTyping: true}
	if len(got) != 1 || got[0] != want {
		t.Errorf("carol received %v, want %v", got, want)
	}
}

func TestRouter_RegisterWhileActiveIsIgnored(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")

	f.dispatch("alice", protocol.Register{Handle: "mallory"})

	for _, h := range []string{"alice", "bob"} {
		if got := f.conns[h].received(t); len(got) != 0 {
			t.Errorf("%s received %v, want nothing", h, got)
		}
	}
	if got := f.registry.Handles(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("Handles() = %v", got)
	}
}

func TestRouter_NotifyMembership(t *testing.T) {
	f := newRouterFixture(t, "alice", "bob")

	f.router.NotifyMembership(context.Background())

	want := protocol.Count{Count: 2, Handles: []string{"alice", "bob"}}
	for _, h := range []string{"alice", "bob"} {
		got := f.conns[h].received(t)
		if len(got) != 1 || !reflect.DeepEqual(got[0], want) {
			t.Errorf("%s received %v, want %v", h, got, want)
		}
	}
}
