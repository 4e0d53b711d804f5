package session

import (
	"fmt"
	"log/slog"

	"github.com/manpreetbhatti/velocode/internal/protocol"
	"github.com/manpreetbhatti/velocode/internal/registry"
	"github.com/manpreetbhatti/velocode/internal/room"
)

// Transport owns the authoritative room groups and delivers frames.
// Send is fire-and-forget: an unknown target is a silent no-op.
type Transport interface {
	AddToRoom(connectionID, roomID string)
	RemoveFromRoom(connectionID, roomID string)
	RoomsOf(connectionID string) []string
	ConnectionsIn(roomID string) []string
	Send(connectionID string, frame []byte)
}

// Observer is told about membership and language changes after they
// have been applied. Implementations must not block.
type Observer interface {
	Joined(roomID, connectionID, displayName string)
	Left(roomID, connectionID string)
	LanguageChanged(roomID, language string)
}

type Options struct {
	// Send the room's language tag to a newcomer right after its join
	// notice. Off by default: newcomers only learn the language from the
	// next language-change.
	AnnounceLanguage bool

	Observer Observer
	Logger   *slog.Logger
}

// Router decides who receives what for every inbound session event.
// It is not safe to dispatch from more than one goroutine at a time;
// the hub's run loop is the only caller of the mutating methods.
type Router struct {
	transport        Transport
	names            *registry.Registry
	languages        *room.Languages
	observer         Observer
	announceLanguage bool
	logger           *slog.Logger
}

func NewRouter(transport Transport, opts Options) *Router {
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		transport:        transport,
		names:            registry.New(),
		languages:        room.NewLanguages(),
		observer:         observer,
		announceLanguage: opts.AnnounceLanguage,
		logger:           logger,
	}
}

// Handle dispatches one decoded inbound message. A returned error means
// only this event was dropped.
func (r *Router) Handle(connectionID string, msg protocol.Message) error {
	switch msg.Event {
	case protocol.KindJoin:
		p, err := msg.Join()
		if err != nil {
			return err
		}
		r.Join(connectionID, p.RoomID, p.Username)

	case protocol.KindCodeChange:
		p, err := msg.CodeChange()
		if err != nil {
			return err
		}
		r.CodeChange(connectionID, p.RoomID, p.Code)

	case protocol.KindSyncCode:
		p, err := msg.SyncCode()
		if err != nil {
			return err
		}
		r.SyncCode(connectionID, p.SocketID, p.Code)

	case protocol.KindLanguageChange:
		p, err := msg.LanguageChange()
		if err != nil {
			return err
		}
		r.LanguageChange(connectionID, p.RoomID, p.Language)

	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownEvent, msg.Event)
	}
	return nil
}

// Join registers the display name, adds the connection to the room and
// tells every member, the joiner included. Each existing member answers
// with a sync-code carrying its buffer.
func (r *Router) Join(connectionID, roomID, displayName string) {
	r.names.Put(connectionID, displayName)
	r.transport.AddToRoom(connectionID, roomID)

	members := r.MembersOf(roomID)
	frame := r.encode(protocol.KindJoined, protocol.JoinedPayload{
		Clients:  members,
		Username: displayName,
		SocketID: connectionID,
	})
	for _, m := range members {
		r.transport.Send(m.SocketID, frame)
	}

	if r.announceLanguage {
		if tag, ok := r.languages.Get(roomID); ok {
			r.transport.Send(connectionID, r.encode(protocol.KindCurrentLanguage, protocol.LanguagePayload{Language: tag}))
		}
	}

	r.logger.Info("client joined room",
		"connection_id", connectionID,
		"room_id", roomID,
		"members", len(members),
	)
	r.observer.Joined(roomID, connectionID, displayName)
}

// CodeChange relays a buffer to every other member. The sender never
// gets an echo, which could clobber an edit it has in flight.
func (r *Router) CodeChange(senderID, roomID, code string) {
	frame := r.encode(protocol.KindCodeChange, protocol.CodeChangePayload{Code: code})
	n := r.broadcast(roomID, senderID, frame)

	r.logger.Debug("code change relayed",
		"connection_id", senderID,
		"room_id", roomID,
		"bytes", len(code),
		"recipients", n,
	)
}

// SyncCode delivers a buffer to exactly one connection, shaped as a
// code-change. A target that has gone away is not an error.
func (r *Router) SyncCode(senderID, targetID, code string) {
	frame := r.encode(protocol.KindCodeChange, protocol.CodeChangePayload{Code: code})
	r.transport.Send(targetID, frame)

	r.logger.Debug("sync code relayed",
		"connection_id", senderID,
		"target_id", targetID,
		"bytes", len(code),
	)
}

// LanguageChange stores the room's tag and relays it to every other member
func (r *Router) LanguageChange(senderID, roomID, language string) {
	r.languages.Set(roomID, language)
	frame := r.encode(protocol.KindLanguageChange, protocol.LanguagePayload{Language: language})
	n := r.broadcast(roomID, senderID, frame)

	r.logger.Info("room language changed",
		"connection_id", senderID,
		"room_id", roomID,
		"language", language,
		"recipients", n,
	)
	r.observer.LanguageChanged(roomID, language)
}

// Disconnect removes the connection from every room it belongs to,
// notifies the remaining members of each, then forgets its name.
func (r *Router) Disconnect(connectionID string) {
	name, _ := r.DisplayName(connectionID)
	frame := r.encode(protocol.KindDisconnected, protocol.DisconnectedPayload{
		SocketID: connectionID,
		Username: name,
	})

	for _, roomID := range r.transport.RoomsOf(connectionID) {
		r.transport.RemoveFromRoom(connectionID, roomID)
		remaining := r.broadcast(roomID, connectionID, frame)

		if len(r.transport.ConnectionsIn(roomID)) == 0 {
			r.languages.Delete(roomID)
			r.logger.Info("room closed (empty)", "room_id", roomID)
		} else {
			r.logger.Info("client left room",
				"connection_id", connectionID,
				"room_id", roomID,
				"remaining", remaining,
			)
		}
		r.observer.Left(roomID, connectionID)
	}

	r.names.Remove(connectionID)
}

// MembersOf lists the room's connections that have a registered name,
// in the order the transport reports them. Unknown rooms are empty.
func (r *Router) MembersOf(roomID string) []protocol.Member {
	ids := r.transport.ConnectionsIn(roomID)
	members := make([]protocol.Member, 0, len(ids))
	for _, id := range ids {
		name, ok := r.names.Get(id)
		if !ok {
			continue
		}
		members = append(members, protocol.Member{SocketID: id, Username: name})
	}
	return members
}

// Language returns the room's current tag
func (r *Router) Language(roomID string) (string, bool) {
	return r.languages.Get(roomID)
}

// DisplayName returns the name a connection joined with
func (r *Router) DisplayName(connectionID string) (string, bool) {
	return r.names.Get(connectionID)
}

// NamedConnections counts connections that have joined at least once
func (r *Router) NamedConnections() int {
	return r.names.Len()
}

// TaggedRooms counts live rooms with a language set
func (r *Router) TaggedRooms() int {
	return r.languages.Len()
}

// broadcast sends to every current member except exclude and returns
// how many were addressed.
func (r *Router) broadcast(roomID, exclude string, frame []byte) int {
	n := 0
	for _, m := range r.MembersOf(roomID) {
		if m.SocketID == exclude {
			continue
		}
		r.transport.Send(m.SocketID, frame)
		n++
	}
	return n
}

func (r *Router) encode(kind protocol.Kind, payload any) []byte {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		// Payloads are plain string structs; this only fires on a programming error.
		r.logger.Error("failed to encode frame", "event", kind, "error", err)
		return nil
	}
	return frame
}

type nopObserver struct{}

func (nopObserver) Joined(string, string, string)  {}
func (nopObserver) Left(string, string)            {}
func (nopObserver) LanguageChanged(string, string) {}
