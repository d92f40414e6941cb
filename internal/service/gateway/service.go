package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/loopreply/wegate/internal/model"
	"github.com/loopreply/wegate/internal/store"
	"github.com/loopreply/wegate/pkg/message"
)

const (
	DefaultHandlerDeadline  time.Duration = 5 * time.Second
	DefaultWorkerDeadline   time.Duration = 300 * time.Second
	DefaultRetryWaitRatio   float64       = 0.7
	DefaultMaxAttempts      int           = 3
	DefaultMaxContinueCount int           = 2
)

const (
	continueToken = "1"
	clearCommand  = "/clear"

	retryFlowSettleWait = 20 * time.Second
	pushSendTimeout     = 30 * time.Second
	typingTimeout       = 10 * time.Second

	defaultTimeoutReply   = "内容生成耗时较长，请稍等..."
	defaultContinuePrompt = "生成答复中，继续等待请回复1"
	continuePromptFormat  = "%s (剩余%d次机会)"
	giveUpReply           = "处理时间较长，请稍后重新询问"
	clearedReply          = "历史记录已清除"
	emptyResultReply      = "抱歉，处理结果为空"
	workerTimeoutReply    = "处理超时，请稍后重试"
	failedReplyPrefix     = "处理失败: "
)

type Config struct {
	HandlerDeadline  time.Duration
	WorkerDeadline   time.Duration
	RetryWaitRatio   float64
	MaxAttempts      int
	MaxContinueCount int
	EnablePush       bool
	TimeoutReply     string
	ContinuePrompt   string
}

func (c Config) withDefaults() Config {
	if c.HandlerDeadline <= 0 {
		c.HandlerDeadline = DefaultHandlerDeadline
	}
	if c.WorkerDeadline <= 0 {
		c.WorkerDeadline = DefaultWorkerDeadline
	}
	if c.RetryWaitRatio == 0 {
		c.RetryWaitRatio = DefaultRetryWaitRatio
	}
	if c.RetryWaitRatio < 0.1 {
		c.RetryWaitRatio = 0.1
	}
	if c.RetryWaitRatio > 1.0 {
		c.RetryWaitRatio = 1.0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxContinueCount <= 0 {
		c.MaxContinueCount = DefaultMaxContinueCount
	}
	if c.TimeoutReply == "" {
		c.TimeoutReply = defaultTimeoutReply
	}
	if c.ContinuePrompt == "" {
		c.ContinuePrompt = defaultContinuePrompt
	}
	return c
}

type ReplyService interface {
	Reply(ctx context.Context, msg *message.Message) (string, error)
	ClearHistory(ctx context.Context, user string) error
}

type Pusher interface {
	SendText(ctx context.Context, openID string, content string) error
	SetTyping(ctx context.Context, openID string, on bool) error
}

// service coordinates slow reply generation against the platform's short
// webhook window. Each inbound message is tracked by fingerprint; the
// reply handler runs once on a detached worker while up to MaxAttempts
// deliveries of the same message take turns waiting for it. When the
// window never suffices, the result either goes out via the customer
// service API (push mode) or through the reply-1-to-wait loop.
type service struct {
	config     Config
	replies    ReplyService
	pusher     Pusher
	tracker    *store.MessageTracker
	waiting    *store.WaitingList
	settleWait time.Duration
	logger     *log.Logger
}

func New(config Config, replies ReplyService, pusher Pusher, tracker *store.MessageTracker, waiting *store.WaitingList) *service {
	return &service{
		config:     config.withDefaults(),
		replies:    replies,
		pusher:     pusher,
		tracker:    tracker,
		waiting:    waiting,
		settleWait: retryFlowSettleWait,
		logger:     log.New("gateway"),
	}
}

// Handle resolves one delivery to a reply text. An empty reply with a nil
// error means respond 200 with no payload; model.ErrorReplyPending means
// respond non-2xx so the platform redelivers.
func (s *service) Handle(ctx context.Context, msg *message.Message) (string, error) {
	if isCommand(msg, clearCommand) {
		return s.clearHistory(ctx, msg.FromUser)
	}

	entry, attempt := s.tracker.Track(model.Fingerprint(msg.Fingerprint()))
	if attempt > 1 {
		if result, ok := entry.Result(); ok {
			return s.respondResult(entry, result), nil
		}
	}

	if attempt == 1 && !s.config.EnablePush && isCommand(msg, continueToken) {
		if reply, handled := s.handleContinuation(ctx, entry, msg.FromUser); handled {
			return reply, nil
		}
	}

	if attempt == 1 {
		return s.handleFirst(ctx, entry, msg)
	}
	return s.handleRedelivery(ctx, entry, msg, attempt)
}

func (s *service) handleFirst(ctx context.Context, entry *store.Entry, msg *message.Message) (string, error) {
	if s.config.EnablePush {
		s.setTyping(msg.FromUser, true)
	}
	go s.process(entry, msg)

	if result, ok := entry.Await(ctx, s.config.HandlerDeadline); ok {
		return s.respondResult(entry, result), nil
	}
	if s.config.EnablePush {
		go s.pushWhenComplete(entry, msg.FromUser)
	}
	return "", model.ErrorReplyPending
}

func (s *service) handleRedelivery(ctx context.Context, entry *store.Entry, msg *message.Message, attempt int) (string, error) {
	if result, ok := entry.Await(ctx, s.retryWait()); ok {
		return s.respondResult(entry, result), nil
	}
	if attempt < s.config.MaxAttempts {
		return "", model.ErrorReplyPending
	}

	// the redelivery window is spent
	entry.FinishRetryFlow()
	if s.config.EnablePush {
		return s.config.TimeoutReply, nil
	}
	s.waiting.Register(msg.FromUser, entry.Fingerprint, s.config.MaxContinueCount)
	return s.config.ContinuePrompt, nil
}

// handleContinuation services a "1" from a user parked in the waiting
// loop. handled is false when the user is not actually waiting, in which
// case the message is dispatched normally.
func (s *service) handleContinuation(ctx context.Context, entry *store.Entry, user string) (string, bool) {
	state, waiting := s.waiting.Get(user)
	if !waiting {
		return "", false
	}
	remaining, ok := s.waiting.TryContinue(user)
	if !ok {
		s.logger.Infof("continuations exhausted for %s", user)
		entry.Complete(giveUpReply)
		return s.respondResult(entry, giveUpReply), true
	}

	original, found := s.tracker.Lookup(state.Fingerprint)
	if !found {
		s.logger.Warnf("original message %s swept while %s was waiting", state.Fingerprint, user)
		s.waiting.Clear(user)
		entry.Complete(giveUpReply)
		return s.respondResult(entry, giveUpReply), true
	}

	if result, ok := original.Await(ctx, s.retryWait()); ok {
		s.waiting.Clear(user)
		s.respondResult(original, result)
		entry.Complete(result)
		return s.respondResult(entry, result), true
	}

	prompt := fmt.Sprintf(continuePromptFormat, s.config.ContinuePrompt, remaining)
	entry.Complete(prompt)
	return s.respondResult(entry, prompt), true
}

// process is the reply worker: spawned once per fingerprint, bounded by
// the worker deadline and never by the originating request.
func (s *service) process(entry *store.Entry, msg *message.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.WorkerDeadline)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("reply worker panicked for %s: %v", entry.Fingerprint, r)
			entry.Complete(failedReplyPrefix + fmt.Sprintf("%v", r))
		}
	}()

	result, err := s.replies.Reply(ctx, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Errorf("reply worker timed out for %s", entry.Fingerprint)
			entry.Complete(workerTimeoutReply)
			return
		}
		s.logger.Errorf("replying to %s: %v", entry.Fingerprint, err)
		entry.Complete(failedReplyPrefix + err.Error())
		return
	}
	entry.Complete(s.finishReply(msg, result))
}

// pushWhenComplete delivers the result through the customer service API
// once the redelivery cycle has had its chance. Skipped entirely when a
// synchronous attempt already carried the result.
func (s *service) pushWhenComplete(entry *store.Entry, user string) {
	result, ok := entry.Await(context.Background(), s.config.WorkerDeadline)
	if !ok {
		entry.Complete(workerTimeoutReply)
		result, _ = entry.Result()
	}

	s.setTyping(user, false)

	settle := time.NewTimer(s.settleWait)
	defer settle.Stop()
	select {
	case <-entry.RetryFlowDone():
	case <-settle.C:
	}

	if entry.SyncDelivered() {
		s.logger.Infof("skipping push for %s, already replied in channel", entry.Fingerprint)
		return
	}
	if !entry.ClaimDelivery() || result == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushSendTimeout)
	defer cancel()
	if err := s.pusher.SendText(ctx, user, result); err != nil {
		s.logger.Errorf("pushing result for %s: %v", entry.Fingerprint, err)
	}
}

func (s *service) clearHistory(ctx context.Context, user string) (string, error) {
	if err := s.replies.ClearHistory(ctx, user); err != nil {
		s.logger.Warnf("clearing history for %s: %v", user, err)
	}
	s.waiting.Clear(user)
	return clearedReply, nil
}

// finishReply substitutes the canned empty-result text for kinds where an
// empty reply would read as a dropped message. Other kinds keep it, an
// empty reply is how an unsubscribe stays silent.
func (s *service) finishReply(msg *message.Message, result string) string {
	if result != "" {
		return result
	}
	switch msg.Kind() {
	case message.KindText, message.KindVoice:
		return emptyResultReply
	}
	return result
}

func (s *service) respondResult(entry *store.Entry, result string) string {
	entry.MarkSyncDelivered()
	entry.ClaimDelivery()
	return result
}

func (s *service) setTyping(user string, on bool) {
	if s.pusher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), typingTimeout)
		defer cancel()
		if err := s.pusher.SetTyping(ctx, user, on); err != nil {
			s.logger.Warnf("setting typing indicator for %s: %v", user, err)
		}
	}()
}

func (s *service) retryWait() time.Duration {
	return time.Duration(float64(s.config.HandlerDeadline) * s.config.RetryWaitRatio)
}

func isCommand(msg *message.Message, command string) bool {
	return msg.Kind() == message.KindText && strings.TrimSpace(msg.Content) == command
}
