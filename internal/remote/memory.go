package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"ripple/internal/ripple"
)

// MemoryRemote is an in-process implementation of the remote
// collaborator. It backs the development server and integration tests.
// Mutations are applied synchronously and broadcast to any live streams.
type MemoryRemote struct {
	mu sync.Mutex

	docs          map[ripple.EntityType]map[string]json.RawMessage
	messages      map[string]map[string]ripple.Message
	conversations map[string]*ripple.Conversation
	tokens        map[string]string

	clock ripple.Clock
	ids   ripple.IDGenerator

	nextSub  int
	msgSubs  map[string]map[int]chan ripple.StreamEvent
	convSubs map[string]map[int]chan ripple.StreamEvent
}

var (
	_ ripple.Remote = (*MemoryRemote)(nil)
	_ ripple.Stream = (*MemoryRemote)(nil)
)

type MemoryOption func(*MemoryRemote)

func WithClock(clock ripple.Clock) MemoryOption {
	return func(r *MemoryRemote) { r.clock = clock }
}

func WithIDGenerator(ids ripple.IDGenerator) MemoryOption {
	return func(r *MemoryRemote) { r.ids = ids }
}

func NewMemoryRemote(opts ...MemoryOption) *MemoryRemote {
	r := &MemoryRemote{
		docs:          make(map[ripple.EntityType]map[string]json.RawMessage),
		messages:      make(map[string]map[string]ripple.Message),
		conversations: make(map[string]*ripple.Conversation),
		tokens:        make(map[string]string),
		clock:         ripple.RealClock{},
		ids:           ripple.UUIDGenerator{},
		msgSubs:       make(map[string]map[int]chan ripple.StreamEvent),
		convSubs:      make(map[string]map[int]chan ripple.StreamEvent),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRemote) Create(ctx context.Context, entity ripple.EntityType, token string, payload ripple.Payload) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.tokens[token]; ok {
		return id, nil
	}
	id := r.ids.New()

	if entity == ripple.EntityMessage {
		mp, ok := payload.(*ripple.MessagePayload)
		if !ok {
			return "", fmt.Errorf("message create requires a message payload, got %T", payload)
		}
		r.createMessageLocked(id, mp)
	} else {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encoding %s document: %w", entity, err)
		}
		if r.docs[entity] == nil {
			r.docs[entity] = make(map[string]json.RawMessage)
		}
		r.docs[entity][id] = raw
	}

	r.tokens[token] = id
	return id, nil
}

func (r *MemoryRemote) Update(ctx context.Context, entity ripple.EntityType, id string, payload ripple.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch entity {
	case ripple.EntityConversation:
		cp, ok := payload.(*ripple.ConversationPayload)
		if !ok {
			return fmt.Errorf("conversation update requires a conversation payload, got %T", payload)
		}
		conv, ok := r.conversations[id]
		if !ok {
			return ripple.Terminal("not-found", fmt.Errorf("conversation %s not found", id))
		}
		r.mergeConversationLocked(conv, cp)
		r.broadcastConversationsLocked(conv)
		return nil
	case ripple.EntityMessage:
		mp, ok := payload.(*ripple.MessagePayload)
		if !ok {
			return fmt.Errorf("message update requires a message payload, got %T", payload)
		}
		for convID, byID := range r.messages {
			if msg, ok := byID[id]; ok {
				msg.Read = mp.Read
				msg.Deleted = mp.Deleted
				if mp.Body != "" {
					msg.Body = mp.Body
				}
				byID[id] = msg
				r.broadcastMessagesLocked(convID)
				return nil
			}
		}
		return ripple.Terminal("not-found", fmt.Errorf("message %s not found", id))
	default:
		byID := r.docs[entity]
		if _, ok := byID[id]; !ok {
			return ripple.Terminal("not-found", fmt.Errorf("%s %s not found", entity, id))
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding %s document: %w", entity, err)
		}
		byID[id] = raw
		return nil
	}
}

func (r *MemoryRemote) Delete(ctx context.Context, entity ripple.EntityType, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entity == ripple.EntityMessage {
		for convID, byID := range r.messages {
			if _, ok := byID[id]; ok {
				delete(byID, id)
				r.broadcastMessagesLocked(convID)
				return nil
			}
		}
		return nil
	}
	delete(r.docs[entity], id)
	return nil
}

func (r *MemoryRemote) Query(ctx context.Context, entity ripple.EntityType, filter ripple.Filter) ([]json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch entity {
	case ripple.EntityMessage:
		convID := filter["conversationId"]
		var out []json.RawMessage
		for _, msg := range r.snapshotMessagesLocked(convID) {
			raw, err := json.Marshal(msg)
			if err != nil {
				return nil, fmt.Errorf("encoding message: %w", err)
			}
			out = append(out, raw)
		}
		return out, nil
	case ripple.EntityConversation:
		participant := filter["participant"]
		var out []json.RawMessage
		for _, conv := range r.snapshotConversationsLocked(participant) {
			raw, err := json.Marshal(conv)
			if err != nil {
				return nil, fmt.Errorf("encoding conversation: %w", err)
			}
			out = append(out, raw)
		}
		return out, nil
	default:
		var out []json.RawMessage
		for id, raw := range r.docs[entity] {
			match, err := matchesFilter(raw, filter)
			if err != nil {
				return nil, err
			}
			if match {
				out = append(out, withID(raw, id))
			}
		}
		return out, nil
	}
}

func matchesFilter(raw json.RawMessage, filter ripple.Filter) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false, fmt.Errorf("decoding document: %w", err)
	}
	for key, want := range filter {
		got, ok := fields[key].(string)
		if !ok || got != want {
			return false, nil
		}
	}
	return true, nil
}

// withID injects the document id so query results are self-describing.
func withID(raw json.RawMessage, id string) json.RawMessage {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	fields["id"] = id
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}

func (r *MemoryRemote) createMessageLocked(id string, mp *ripple.MessagePayload) {
	now := r.clock.Now()
	msg := ripple.Message{
		ID:             id,
		ConversationID: mp.ConversationID,
		SenderID:       mp.SenderID,
		RecipientID:    mp.RecipientID,
		Body:           mp.Body,
		AttachmentRef:  mp.AttachmentRef,
		Read:           mp.Read,
		CreatedAt:      mp.CreatedAt,
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	conv, ok := r.conversations[mp.ConversationID]
	if !ok {
		conv = &ripple.Conversation{
			ID:           mp.ConversationID,
			Participants: [2]string{mp.SenderID, mp.RecipientID},
			Snippets:     make(map[string]string),
			Unread:       make(map[string]int),
		}
		r.conversations[conv.ID] = conv
	}

	if r.messages[conv.ID] == nil {
		r.messages[conv.ID] = make(map[string]ripple.Message)
	}
	r.messages[conv.ID][id] = msg

	for _, p := range conv.Participants {
		conv.Snippets[p] = msg.Body
	}
	conv.LastMessage = id
	conv.Unread[mp.RecipientID]++
	conv.UpdatedAt = now
	// A new message makes the conversation visible to both sides again.
	for p := range conv.Hidden {
		conv.Hidden[p] = false
	}

	r.broadcastMessagesLocked(conv.ID)
	r.broadcastConversationsLocked(conv)
}

// mergeConversationLocked applies a partial update: only the maps and
// fields present in the payload change.
func (r *MemoryRemote) mergeConversationLocked(conv *ripple.Conversation, cp *ripple.ConversationPayload) {
	for k, v := range cp.Snippets {
		if conv.Snippets == nil {
			conv.Snippets = make(map[string]string)
		}
		conv.Snippets[k] = v
	}
	if cp.LastMessage != "" {
		conv.LastMessage = cp.LastMessage
	}
	for k, v := range cp.Unread {
		if conv.Unread == nil {
			conv.Unread = make(map[string]int)
		}
		conv.Unread[k] = v
	}
	for k, v := range cp.Hidden {
		if conv.Hidden == nil {
			conv.Hidden = make(map[string]bool)
		}
		conv.Hidden[k] = v
	}
	for k, v := range cp.TypingAt {
		if conv.TypingAt == nil {
			conv.TypingAt = make(map[string]time.Time)
		}
		conv.TypingAt[k] = v
	}
	conv.UpdatedAt = r.clock.Now()
}

func (r *MemoryRemote) snapshotMessagesLocked(convID string) []ripple.Message {
	byID := r.messages[convID]
	out := make([]ripple.Message, 0, len(byID))
	for _, msg := range byID {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *MemoryRemote) snapshotConversationsLocked(participant string) []ripple.Conversation {
	var out []ripple.Conversation
	for _, conv := range r.conversations {
		if participant != "" && conv.Participants[0] != participant && conv.Participants[1] != participant {
			continue
		}
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (r *MemoryRemote) ListenMessages(ctx context.Context, conversationID string) (<-chan ripple.StreamEvent, error) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan ripple.StreamEvent, 16)
	if r.msgSubs[conversationID] == nil {
		r.msgSubs[conversationID] = make(map[int]chan ripple.StreamEvent)
	}
	r.msgSubs[conversationID][id] = ch
	ch <- ripple.StreamEvent{Messages: r.snapshotMessagesLocked(conversationID)}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.msgSubs[conversationID], id)
		close(ch)
		r.mu.Unlock()
	}()
	return ch, nil
}

func (r *MemoryRemote) ListenConversations(ctx context.Context, userID string) (<-chan ripple.StreamEvent, error) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan ripple.StreamEvent, 16)
	if r.convSubs[userID] == nil {
		r.convSubs[userID] = make(map[int]chan ripple.StreamEvent)
	}
	r.convSubs[userID][id] = ch
	ch <- ripple.StreamEvent{Conversations: r.snapshotConversationsLocked(userID)}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.convSubs[userID], id)
		close(ch)
		r.mu.Unlock()
	}()
	return ch, nil
}

func (r *MemoryRemote) broadcastMessagesLocked(convID string) {
	snapshot := r.snapshotMessagesLocked(convID)
	for _, ch := range r.msgSubs[convID] {
		select {
		case ch <- ripple.StreamEvent{Messages: snapshot}:
		default:
			// Slow subscriber; it will catch up on the next event.
		}
	}
}

func (r *MemoryRemote) broadcastConversationsLocked(conv *ripple.Conversation) {
	for _, p := range conv.Participants {
		subs := r.convSubs[p]
		if len(subs) == 0 {
			continue
		}
		snapshot := r.snapshotConversationsLocked(p)
		for _, ch := range subs {
			select {
			case ch <- ripple.StreamEvent{Conversations: snapshot}:
			default:
			}
		}
	}
}
