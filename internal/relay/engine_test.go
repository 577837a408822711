package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/centromex/photo-relay/internal/audit"
	"github.com/centromex/photo-relay/internal/db"
	"github.com/centromex/photo-relay/internal/models"
)

const testGroup int64 = -1002555257261

type sentPhoto struct {
	chatID  int64
	asset   string
	caption string
}

// fakeChannel records calls and fails on demand.
type fakeChannel struct {
	mu sync.Mutex

	nextForwardID int
	forwardErr    error
	photoErr      error
	linkErr       error
	deleteErr     error

	// ackGate, when set, holds SendMessage until it is closed.
	ackGate chan struct{}
	// onForward runs after a forward is assigned its ID, before it returns.
	onForward func(id int)

	messages []string
	forwards []int
	photos   []sentPhoto
	deleted  []int
}

func newFakeChannel(firstForwardID int) *fakeChannel {
	return &fakeChannel{nextForwardID: firstForwardID}
}

func (f *fakeChannel) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	gate := f.ackGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeChannel) ForwardMessage(ctx context.Context, toChatID, fromChatID int64, messageID int) (int, error) {
	f.mu.Lock()
	if f.forwardErr != nil {
		f.mu.Unlock()
		return 0, &TransportError{Op: "forward", Err: f.forwardErr}
	}
	id := f.nextForwardID
	f.nextForwardID++
	f.forwards = append(f.forwards, id)
	hook := f.onForward
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return id, nil
}

func (f *fakeChannel) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func (f *fakeChannel) SendPhoto(ctx context.Context, chatID int64, assetRef, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.photoErr != nil {
		return &TransportError{Op: "send photo", Err: f.photoErr}
	}
	f.photos = append(f.photos, sentPhoto{chatID: chatID, asset: assetRef, caption: caption})
	return nil
}

func (f *fakeChannel) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeChannel) ResolveAssetLink(ctx context.Context, fileID string) (string, error) {
	if f.linkErr != nil {
		return "", f.linkErr
	}
	return "https://files.example/" + fileID, nil
}

// countingStore wraps a store and counts calls, optionally failing Create.
type countingStore struct {
	db.Store
	mu        sync.Mutex
	reads     int
	writes    int
	createErr error
}

func (s *countingStore) Create(ctx context.Context, req *models.Request) (string, error) {
	s.mu.Lock()
	s.writes++
	err := s.createErr
	s.mu.Unlock()
	if err != nil {
		return "", &db.PersistenceError{Op: "create", Err: err}
	}
	return s.Store.Create(ctx, req)
}

func (s *countingStore) FindByForwardedMessageID(ctx context.Context, id int) (*models.Request, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return s.Store.FindByForwardedMessageID(ctx, id)
}

func (s *countingStore) MarkCompleted(ctx context.Context, id int) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return s.Store.MarkCompleted(ctx, id)
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAuditor) Record(ctx context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingAuditor) actions() []audit.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Action
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	engine  *Engine
	channel *fakeChannel
	store   *countingStore
	auditor *recordingAuditor
}

func newHarness(firstForwardID int) *harness {
	ch := newFakeChannel(firstForwardID)
	st := &countingStore{Store: db.NewMemory()}
	au := &recordingAuditor{}
	e := New(Config{GroupChatID: testGroup, Logger: testLogger()}, ch, st, nil, au)
	return &harness{engine: e, channel: ch, store: st, auditor: au}
}

func TestClassify(t *testing.T) {
	h := newHarness(1)
	tests := []struct {
		name string
		ev   PhotoEvent
		want Origin
	}{
		{"private chat", PhotoEvent{ChatID: 42}, OriginSubmission},
		{"private reply", PhotoEvent{ChatID: 42, ReplyToMessageID: 3}, OriginSubmission},
		{"group", PhotoEvent{ChatID: testGroup}, OriginGroupReply},
		{"group reply", PhotoEvent{ChatID: testGroup, ReplyToMessageID: 3}, OriginGroupReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.engine.Classify(tt.ev); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSubmission_CreatesProcessingRequest(t *testing.T) {
	h := newHarness(555)
	ctx := context.Background()

	out := h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: 42, SenderHandle: "alice", MessageID: 9, PhotoFileID: "X"})
	if out != OutcomeCreated {
		t.Fatalf("outcome = %s, want created", out)
	}

	req, err := h.store.FindByForwardedMessageID(ctx, 555)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.StatusProcessing {
		t.Errorf("status = %s", req.Status)
	}
	if req.RequesterChatID != 42 || req.OriginalMessageID != 9 || req.RequesterHandle != "alice" {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.SourceAssetRef != "https://files.example/X" {
		t.Errorf("asset ref = %q", req.SourceAssetRef)
	}
	h.engine.Wait()
	if msgs := h.channel.sentMessages(); len(msgs) != 1 || msgs[0] != DefaultAckText {
		t.Errorf("expected acknowledgement, got %v", msgs)
	}
	if got := h.auditor.actions(); len(got) != 1 || got[0] != audit.ActionForwarded {
		t.Errorf("audit actions = %v", got)
	}
}

func TestSubmission_ForwardFailureLeavesNoRequest(t *testing.T) {
	h := newHarness(1)
	h.channel.forwardErr = errors.New("network down")
	ctx := context.Background()

	out := h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: 77, MessageID: 1, PhotoFileID: "Z"})
	if out != OutcomeForwardFailed {
		t.Fatalf("outcome = %s, want forward_failed", out)
	}
	if h.store.writes != 0 {
		t.Errorf("expected no writes, got %d", h.store.writes)
	}
	if _, err := h.engine.LatestRequest(ctx, 77); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound for status query, got %v", err)
	}
	// The requester still got the generic acknowledgement.
	h.engine.Wait()
	if len(h.channel.sentMessages()) != 1 {
		t.Errorf("expected acknowledgement regardless of forward outcome")
	}
}

func TestSubmission_AssetLinkFailureFallsBackToFileID(t *testing.T) {
	h := newHarness(10)
	h.channel.linkErr = errors.New("file too big")
	ctx := context.Background()

	if out := h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: 5, MessageID: 1, PhotoFileID: "big"}); out != OutcomeCreated {
		t.Fatalf("outcome = %s", out)
	}
	req, err := h.store.FindByForwardedMessageID(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(req.SourceAssetRef, fallbackAssetPrefix) {
		t.Errorf("asset ref = %q, want fallback prefix", req.SourceAssetRef)
	}
}

func TestSubmission_PersistFailureRetractsForward(t *testing.T) {
	h := newHarness(900)
	h.store.createErr = errors.New("db unreachable")
	ctx := context.Background()

	out := h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: 5, MessageID: 1, PhotoFileID: "p"})
	if out != OutcomePersistFailed {
		t.Fatalf("outcome = %s, want persist_failed", out)
	}
	if len(h.channel.deleted) != 1 || h.channel.deleted[0] != 900 {
		t.Errorf("expected forwarded message 900 to be deleted, got %v", h.channel.deleted)
	}
	if got := h.auditor.actions(); len(got) != 1 || got[0] != audit.ActionOrphaned {
		t.Errorf("audit actions = %v", got)
	}
}

func TestGroupImageWithoutReplyIsIgnored(t *testing.T) {
	h := newHarness(1)

	out := h.engine.HandlePhoto(context.Background(), PhotoEvent{ChatID: testGroup, MessageID: 3, PhotoFileID: "g"})
	if out != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", out)
	}
	if h.store.reads != 0 || h.store.writes != 0 {
		t.Errorf("store touched: reads=%d writes=%d", h.store.reads, h.store.writes)
	}
	h.engine.Wait()
	if len(h.channel.forwards) != 0 || len(h.channel.sentMessages()) != 0 {
		t.Error("group image must not be treated as a submission")
	}
}

func TestCompletion_UnknownReplyIsIgnored(t *testing.T) {
	h := newHarness(1)

	out := h.engine.HandlePhoto(context.Background(), PhotoEvent{ChatID: testGroup, MessageID: 4, PhotoFileID: "g", ReplyToMessageID: 31337})
	if out != OutcomeUnmatched {
		t.Fatalf("outcome = %s, want unmatched", out)
	}
	if h.store.writes != 0 {
		t.Errorf("expected no writes, got %d", h.store.writes)
	}
	if len(h.channel.photos) != 0 {
		t.Error("nothing should be delivered")
	}
}

func TestRoundTrip(t *testing.T) {
	h := newHarness(555)
	ctx := context.Background()

	if out := h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: 42, MessageID: 9, PhotoFileID: "X"}); out != OutcomeCreated {
		t.Fatalf("submission outcome = %s", out)
	}
	if out := h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: testGroup, MessageID: 20, PhotoFileID: "Y", ReplyToMessageID: 555}); out != OutcomeCompleted {
		t.Fatalf("completion outcome = %s", out)
	}

	if len(h.channel.photos) != 1 {
		t.Fatalf("expected one delivery, got %d", len(h.channel.photos))
	}
	got := h.channel.photos[0]
	if got.chatID != 42 || got.asset != "Y" || got.caption != DefaultCompletionCaption {
		t.Errorf("unexpected delivery: %+v", got)
	}

	req, err := h.engine.LatestRequest(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.StatusCompleted {
		t.Errorf("status = %s, want Completed", req.Status)
	}

	// A repeated reply changes nothing and is not redelivered.
	if out := h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: testGroup, MessageID: 21, PhotoFileID: "Y", ReplyToMessageID: 555}); out != OutcomeAlreadyCompleted {
		t.Fatalf("repeat outcome = %s, want already_completed", out)
	}
	if len(h.channel.photos) != 1 {
		t.Errorf("repeat reply redelivered the image")
	}
	again, err := h.engine.LatestRequest(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if !again.CompletedAt.Equal(*req.CompletedAt) {
		t.Error("completion timestamp changed on repeat")
	}
}

func TestCompletion_DeliveryFailureKeepsProcessing(t *testing.T) {
	h := newHarness(555)
	ctx := context.Background()

	h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: 42, MessageID: 9, PhotoFileID: "X"})
	h.channel.photoErr = errors.New("blocked by user")

	out := h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: testGroup, MessageID: 20, PhotoFileID: "Y", ReplyToMessageID: 555})
	if out != OutcomeDeliveryFailed {
		t.Fatalf("outcome = %s, want delivery_failed", out)
	}
	req, err := h.engine.LatestRequest(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.StatusProcessing {
		t.Errorf("status = %s, want Processing", req.Status)
	}

	// A later retry completes it.
	h.channel.photoErr = nil
	if out := h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: testGroup, MessageID: 22, PhotoFileID: "Y", ReplyToMessageID: 555}); out != OutcomeCompleted {
		t.Fatalf("retry outcome = %s", out)
	}
}

func TestStatusReportsLatestSubmission(t *testing.T) {
	h := newHarness(100)
	ctx := context.Background()
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for i := 0; i < 3; i++ {
		if out := h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: 42, MessageID: i + 1, PhotoFileID: "f"}); out != OutcomeCreated {
			t.Fatalf("submission %d outcome = %s", i, out)
		}
	}

	req, err := h.engine.LatestRequest(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if req.ForwardedMessageID != 102 || req.OriginalMessageID != 3 {
		t.Errorf("latest = forwarded %d original %d, want 102/3", req.ForwardedMessageID, req.OriginalMessageID)
	}
}

func TestMultipleRepliesInBatch(t *testing.T) {
	h := newHarness(500)
	ctx := context.Background()

	h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: 1, MessageID: 1, PhotoFileID: "a"})
	h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: 2, MessageID: 1, PhotoFileID: "b"})

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i, parent := range []int{500, 501} {
		wg.Add(1)
		go func(i, parent int) {
			defer wg.Done()
			outcomes[i] = h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: testGroup, MessageID: 50 + i, PhotoFileID: "r", ReplyToMessageID: parent})
		}(i, parent)
	}
	wg.Wait()

	for i, out := range outcomes {
		if out != OutcomeCompleted {
			t.Errorf("reply %d outcome = %s", i, out)
		}
	}
	delivered := map[int64]bool{}
	for _, p := range h.channel.photos {
		delivered[p.chatID] = true
	}
	if !delivered[1] || !delivered[2] {
		t.Errorf("each requester should get their image, got %v", delivered)
	}
	if h.engine.locks.size() != 0 {
		t.Errorf("locks leaked: %d", h.engine.locks.size())
	}
}

func TestSubmission_SlowAcknowledgementDoesNotHoldForward(t *testing.T) {
	h := newHarness(555)
	gate := make(chan struct{})
	h.channel.ackGate = gate

	result := make(chan Outcome, 1)
	go func() {
		result <- h.engine.HandlePhoto(context.Background(), PhotoEvent{ChatID: 42, MessageID: 9, PhotoFileID: "X"})
	}()

	select {
	case out := <-result:
		if out != OutcomeCreated {
			t.Fatalf("outcome = %s, want created", out)
		}
	case <-time.After(2 * time.Second):
		close(gate)
		t.Fatal("submission blocked on the acknowledgement")
	}
	if _, err := h.store.FindByForwardedMessageID(context.Background(), 555); err != nil {
		t.Fatalf("request not stored while the acknowledgement is pending: %v", err)
	}
	if len(h.channel.sentMessages()) != 0 {
		t.Fatal("acknowledgement should still be held")
	}

	close(gate)
	h.engine.Wait()
	if msgs := h.channel.sentMessages(); len(msgs) != 1 || msgs[0] != DefaultAckText {
		t.Errorf("expected acknowledgement once released, got %v", msgs)
	}
}

func TestCompletion_ReplyDuringForwardIsMatched(t *testing.T) {
	h := newHarness(555)
	ctx := context.Background()

	var wg sync.WaitGroup
	var replyOutcome Outcome
	h.channel.onForward = func(id int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replyOutcome = h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: testGroup, MessageID: 20, PhotoFileID: "Y", ReplyToMessageID: id})
		}()
		// Give the reply time to reach the store before the request exists.
		time.Sleep(50 * time.Millisecond)
	}

	if out := h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: 42, MessageID: 9, PhotoFileID: "X"}); out != OutcomeCreated {
		t.Fatalf("submission outcome = %s", out)
	}
	wg.Wait()

	if replyOutcome != OutcomeCompleted {
		t.Fatalf("reply outcome = %s, want completed", replyOutcome)
	}
	req, err := h.engine.LatestRequest(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.StatusCompleted {
		t.Errorf("status = %s, want Completed", req.Status)
	}
}

func TestCompletion_UnmatchedReplyWaitIsBounded(t *testing.T) {
	h := newHarness(555)
	h.engine.forwardWait = 20 * time.Millisecond
	ctx := context.Background()

	// A submission stuck mid-forward must not hold an unrelated reply forever.
	release := make(chan struct{})
	h.channel.onForward = func(id int) { <-release }
	submitted := make(chan Outcome, 1)
	go func() {
		submitted <- h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: 42, MessageID: 9, PhotoFileID: "X"})
	}()
	for len(h.engine.pending.snapshot()) == 0 {
		time.Sleep(time.Millisecond)
	}

	out := h.engine.HandlePhoto(ctx, PhotoEvent{ChatID: testGroup, MessageID: 4, PhotoFileID: "g", ReplyToMessageID: 31337})
	close(release)
	if out != OutcomeUnmatched {
		t.Errorf("outcome = %s, want unmatched", out)
	}
	if sub := <-submitted; sub != OutcomeCreated {
		t.Errorf("submission outcome = %s, want created", sub)
	}
	h.engine.Wait()
}
