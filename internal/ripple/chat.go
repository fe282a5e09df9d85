package ripple

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Typing entries older than this are filtered out before surfacing,
// since no explicit "stopped typing" signal is guaranteed.
const typingStaleAfter = 30 * time.Second

// Subscription is the typed handle returned by the chat listeners. It
// carries its own error handler and teardown; non-retriable stream
// errors tear the listener down automatically so a broken subscription
// is never leaked.
type Subscription struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	onError func(error)
	once    sync.Once
	done    chan struct{}
}

// OnError registers the handler invoked for stream errors. Handlers
// registered after an error occurred only see subsequent errors.
func (s *Subscription) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Unsubscribe tears the listener down. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

// Done is closed once the listener has fully stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// ChatOptions configures a ChatService.
type ChatOptions struct {
	Clock  Clock
	Logger Logger
}

// ChatService is the chat delivery pipeline: optimistic sends through
// the offline queue, cache-backed reads, and live listeners with
// read-state reconciliation.
type ChatService struct {
	queue  *Queue
	cache  *Cache
	remote Remote
	stream Stream
	online OnlineChecker
	clock  Clock
	logger Logger
	userID string

	// cacheMu serializes read-modify-write cycles on the message and
	// conversation cache entries.
	cacheMu sync.Mutex
}

// NewChatService wires the pipeline for the given current user. The
// queue's commit hook is registered here so messages created offline are
// rewritten in the cache once their remote create resolves.
func NewChatService(queue *Queue, cache *Cache, remote Remote, stream Stream, online OnlineChecker, userID string, opts ChatOptions) *ChatService {
	s := &ChatService{
		queue:  queue,
		cache:  cache,
		remote: remote,
		stream: stream,
		online: online,
		clock:  opts.Clock,
		logger: opts.Logger,
		userID: userID,
	}
	if s.clock == nil {
		s.clock = RealClock{}
	}
	if s.logger == nil {
		s.logger = NewNopLogger()
	}
	queue.OnCommit(s.handleCommit)
	return s
}

// SendMessage constructs a message, caches it optimistically, and hands
// the create to the offline queue. While the create is pending the
// returned message carries a temporary id and Sending=true.
func (s *ChatService) SendMessage(ctx context.Context, conversationID, recipientID, body, attachmentRef string) (Message, error) {
	now := s.clock.Now()
	payload := &MessagePayload{
		ConversationID: conversationID,
		SenderID:       s.userID,
		RecipientID:    recipientID,
		Body:           body,
		AttachmentRef:  attachmentRef,
		CreatedAt:      now,
	}
	id, err := s.queue.Enqueue(ctx, EntityMessage, OpCreate, "", payload)
	if err != nil {
		return Message{}, fmt.Errorf("queuing message: %w", err)
	}

	msg := Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       s.userID,
		RecipientID:    recipientID,
		Body:           body,
		AttachmentRef:  attachmentRef,
		Sending:        IsTempID(id),
		CreatedAt:      now,
	}

	s.cacheMu.Lock()
	msgs := s.loadMessages(conversationID)
	msgs = append([]Message{msg}, msgs...) // newest-first on disk
	s.saveMessages(conversationID, msgs)
	s.touchConversation(conversationID, msg)
	s.cacheMu.Unlock()

	return msg, nil
}

// Messages returns the conversation's messages in chronological order,
// cache-first.
func (s *ChatService) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	stored, err := ReadAs(ctx, s.cache, MessagesKey(conversationID), CacheFirst, func(ctx context.Context) ([]Message, error) {
		return s.fetchMessages(ctx, conversationID)
	})
	if err != nil {
		if !s.online.Online(ctx) {
			return nil, Offline(err)
		}
		return nil, err
	}
	return chronological(stored), nil
}

// Conversations returns the current user's conversations,
// network-first, with stale typing entries and soft-deleted entries
// filtered out.
func (s *ChatService) Conversations(ctx context.Context) ([]Conversation, error) {
	convs, err := ReadAs(ctx, s.cache, KeyConversations, NetworkFirst, func(ctx context.Context) ([]Conversation, error) {
		return s.fetchConversations(ctx)
	})
	if err != nil {
		if !s.online.Online(ctx) {
			return nil, Offline(err)
		}
		return nil, err
	}
	return s.presentConversations(convs), nil
}

// ListenMessages subscribes to live updates for one conversation. fn
// receives the full message list in chronological order on every
// update.
func (s *ChatService) ListenMessages(ctx context.Context, conversationID string, fn func([]Message)) (*Subscription, error) {
	lctx, cancel := context.WithCancel(ctx)
	ch, err := s.stream.ListenMessages(lctx, conversationID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening message stream: %w", err)
	}
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go s.messageLoop(lctx, conversationID, ch, fn, sub)
	return sub, nil
}

// ListenConversations subscribes to live updates of the user's
// conversation list.
func (s *ChatService) ListenConversations(ctx context.Context, fn func([]Conversation)) (*Subscription, error) {
	lctx, cancel := context.WithCancel(ctx)
	ch, err := s.stream.ListenConversations(lctx, s.userID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening conversation stream: %w", err)
	}
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go s.conversationLoop(lctx, ch, fn, sub)
	return sub, nil
}

// DeleteMessage tombstones a message: the body and attachment are
// cleared and the deleted flag set. Messages are never hard-deleted.
func (s *ChatService) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	s.cacheMu.Lock()
	msgs := s.loadMessages(conversationID)
	var target *Message
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Body = ""
			msgs[i].AttachmentRef = ""
			msgs[i].Deleted = true
			target = &msgs[i]
			break
		}
	}
	if target != nil {
		s.saveMessages(conversationID, msgs)
	}
	s.cacheMu.Unlock()

	if target == nil {
		return fmt.Errorf("message not cached: %s", messageID)
	}

	_, err := s.queue.Enqueue(ctx, EntityMessage, OpUpdate, messageID, &MessagePayload{
		ConversationID: conversationID,
		SenderID:       target.SenderID,
		RecipientID:    target.RecipientID,
		Read:           target.Read,
		Deleted:        true,
		CreatedAt:      target.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("queuing tombstone: %w", err)
	}
	return nil
}

// SetTyping publishes the user's typing timestamp. Typing state is
// ephemeral and skips the queue: when offline the update is dropped.
func (s *ChatService) SetTyping(ctx context.Context, conversationID string) error {
	if !s.online.Online(ctx) {
		return nil
	}
	return s.remote.Update(ctx, EntityConversation, conversationID, &ConversationPayload{
		TypingAt: map[string]time.Time{s.userID: s.clock.Now()},
	})
}

// MarkConversationRead resets the user's unread counter, locally first
// and best-effort at the remote.
func (s *ChatService) MarkConversationRead(ctx context.Context, conversationID string) error {
	s.cacheMu.Lock()
	if convs, ok := s.loadConversations(); ok {
		for i := range convs {
			if convs[i].ID == conversationID && convs[i].Unread != nil {
				convs[i].Unread[s.userID] = 0
			}
		}
		s.saveConversations(convs)
	}
	s.cacheMu.Unlock()

	if !s.online.Online(ctx) {
		return nil
	}
	return s.remote.Update(ctx, EntityConversation, conversationID, &ConversationPayload{
		Unread: map[string]int{s.userID: 0},
	})
}

// handleCommit rewrites the cached copy of a message once its queued
// create resolves to a real id, preserving its position.
func (s *ChatService) handleCommit(op QueuedOperation, realID string) {
	if op.Entity != EntityMessage || op.Kind != OpCreate {
		return
	}
	payload, ok := op.Payload.(*MessagePayload)
	if !ok {
		return
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	msgs := s.loadMessages(payload.ConversationID)
	changed := false
	for i := range msgs {
		if msgs[i].ID == op.ID {
			msgs[i].ID = realID
			msgs[i].Sending = false
			changed = true
		}
	}
	if changed {
		s.saveMessages(payload.ConversationID, msgs)
	}

	if convs, ok := s.loadConversations(); ok {
		convChanged := false
		for i := range convs {
			if convs[i].LastMessage == op.ID {
				convs[i].LastMessage = realID
				convChanged = true
			}
		}
		if convChanged {
			s.saveConversations(convs)
		}
	}
	s.logger.Debug("message confirmed", "tempId", op.ID, "id", realID)
}

func (s *ChatService) messageLoop(ctx context.Context, conversationID string, ch <-chan StreamEvent, fn func([]Message), sub *Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Err != nil {
				sub.fail(ev.Err)
				if !IsRetriable(ev.Err) {
					s.logger.Warn("message listener torn down", "conversation", conversationID, "error", ev.Err)
					return
				}
				continue
			}
			msgs := s.reconcileMessages(ctx, conversationID, ev.Messages)
			fn(chronological(msgs))
		}
	}
}

func (s *ChatService) conversationLoop(ctx context.Context, ch <-chan StreamEvent, fn func([]Conversation), sub *Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Err != nil {
				sub.fail(ev.Err)
				if !IsRetriable(ev.Err) {
					s.logger.Warn("conversation listener torn down", "error", ev.Err)
					return
				}
				continue
			}
			s.cacheMu.Lock()
			s.saveConversations(ev.Conversations)
			s.cacheMu.Unlock()
			fn(s.presentConversations(ev.Conversations))
		}
	}
}

// reconcileMessages merges a delivered snapshot into the cache: incoming
// messages addressed to the current user are marked read (with the
// read-state change queued for the remote), locally pending sends that
// the snapshot does not know about yet are retained, and the full
// ordered list is written back newest-first.
func (s *ChatService) reconcileMessages(ctx context.Context, conversationID string, delivered []Message) []Message {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	merged := make([]Message, len(delivered))
	copy(merged, delivered)

	for i := range merged {
		if merged[i].RecipientID == s.userID && !merged[i].Read {
			merged[i].Read = true
			if !IsTempID(merged[i].ID) {
				m := merged[i]
				if _, err := s.queue.Enqueue(ctx, EntityMessage, OpUpdate, m.ID, &MessagePayload{
					ConversationID: m.ConversationID,
					SenderID:       m.SenderID,
					RecipientID:    m.RecipientID,
					Body:           m.Body,
					AttachmentRef:  m.AttachmentRef,
					Read:           true,
					Deleted:        m.Deleted,
					CreatedAt:      m.CreatedAt,
				}); err != nil {
					s.logger.Warn("queueing read receipt failed", "message", m.ID, "error", err)
				}
			}
		}
	}

	known := make(map[string]bool, len(merged))
	for _, m := range merged {
		known[m.ID] = true
	}
	for _, m := range s.loadMessages(conversationID) {
		if m.Sending && !known[m.ID] {
			merged = append(merged, m)
		}
	}

	sortNewestFirst(merged)
	s.saveMessages(conversationID, merged)
	return merged
}

// presentConversations filters what a caller should never see: stale
// typing entries and conversations the user soft-deleted.
func (s *ChatService) presentConversations(convs []Conversation) []Conversation {
	now := s.clock.Now()
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		if c.Hidden[s.userID] {
			continue
		}
		if len(c.TypingAt) > 0 {
			fresh := make(map[string]time.Time, len(c.TypingAt))
			for user, at := range c.TypingAt {
				if now.Sub(at) <= typingStaleAfter {
					fresh[user] = at
				}
			}
			if len(fresh) == 0 {
				fresh = nil
			}
			c.TypingAt = fresh
		}
		out = append(out, c)
	}
	return out
}

func (s *ChatService) fetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	docs, err := s.remote.Query(ctx, EntityMessage, Filter{"conversationId": conversationID})
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(docs))
	for _, doc := range docs {
		var m Message
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		msgs = append(msgs, m)
	}
	sortNewestFirst(msgs)
	return msgs, nil
}

func (s *ChatService) fetchConversations(ctx context.Context) ([]Conversation, error) {
	docs, err := s.remote.Query(ctx, EntityConversation, Filter{"participant": s.userID})
	if err != nil {
		return nil, err
	}
	convs := make([]Conversation, 0, len(docs))
	for _, doc := range docs {
		var c Conversation
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, fmt.Errorf("decoding conversation: %w", err)
		}
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	return convs, nil
}

// loadMessages returns the cached message list (newest-first), expiry
// ignored: pending local state must survive cache staleness.
func (s *ChatService) loadMessages(conversationID string) []Message {
	raw, ok, err := s.cache.GetStale(MessagesKey(conversationID))
	if err != nil || !ok {
		return nil
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil
	}
	return msgs
}

func (s *ChatService) saveMessages(conversationID string, msgs []Message) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		s.logger.Error("encoding message cache failed", "conversation", conversationID, "error", err)
		return
	}
	if err := s.cache.Put(MessagesKey(conversationID), raw); err != nil {
		s.logger.Error("writing message cache failed", "conversation", conversationID, "error", err)
	}
}

func (s *ChatService) loadConversations() ([]Conversation, bool) {
	raw, ok, err := s.cache.GetStale(KeyConversations)
	if err != nil || !ok {
		return nil, false
	}
	var convs []Conversation
	if err := json.Unmarshal(raw, &convs); err != nil {
		return nil, false
	}
	return convs, true
}

func (s *ChatService) saveConversations(convs []Conversation) {
	raw, err := json.Marshal(convs)
	if err != nil {
		s.logger.Error("encoding conversation cache failed", "error", err)
		return
	}
	if err := s.cache.Put(KeyConversations, raw); err != nil {
		s.logger.Error("writing conversation cache failed", "error", err)
	}
}

// touchConversation updates the cached conversation row after a local
// send: snippet, last-message pointer, recipient unread counter.
func (s *ChatService) touchConversation(conversationID string, msg Message) {
	convs, ok := s.loadConversations()
	if !ok {
		return
	}
	for i := range convs {
		if convs[i].ID != conversationID {
			continue
		}
		if convs[i].Snippets == nil {
			convs[i].Snippets = make(map[string]string)
		}
		snippet := msg.Body
		if len(snippet) > 80 {
			snippet = snippet[:80]
		}
		for _, participant := range convs[i].Participants {
			convs[i].Snippets[participant] = snippet
		}
		convs[i].LastMessage = msg.ID
		if convs[i].Unread == nil {
			convs[i].Unread = make(map[string]int)
		}
		convs[i].Unread[msg.RecipientID]++
		convs[i].UpdatedAt = msg.CreatedAt
	}
	s.saveConversations(convs)
}

func sortNewestFirst(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
}

// chronological returns a copy of a newest-first list in oldest-first
// order, the order surfaced to callers.
func chronological(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
