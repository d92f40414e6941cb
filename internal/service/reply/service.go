package reply

import (
	"context"
	"fmt"
	"strings"

	"github.com/labstack/gommon/log"
	"github.com/loopreply/wegate/internal/backend"
	"github.com/loopreply/wegate/pkg/message"
)

const (
	EventSubscribe   string = "subscribe"
	EventUnsubscribe string = "unsubscribe"
)

const (
	welcomeReply       = "欢迎关注！"
	imageReply         = "收到您的图片消息"
	voiceFallbackReply = "收到您的语音消息"
)

type handlerFunc func(ctx context.Context, msg *message.Message) (string, error)

// service routes each message kind to its handler. Routing is a pure
// lookup; the handlers own the replies.
type service struct {
	backend  backend.Client
	handlers map[message.Kind]handlerFunc
	logger   *log.Logger
}

func New(backendClient backend.Client) *service {
	s := &service{
		backend: backendClient,
		logger:  log.New("reply"),
	}
	s.handlers = map[message.Kind]handlerFunc{
		message.KindText:  s.handleText,
		message.KindVoice: s.handleVoice,
		message.KindImage: s.handleImage,
		message.KindLink:  s.handleLink,
		message.KindEvent: s.handleEvent,
	}
	return s
}

func (s *service) Reply(ctx context.Context, msg *message.Message) (string, error) {
	handler, ok := s.handlers[msg.Kind()]
	if !ok {
		handler = s.handleUnsupported
	}
	return handler(ctx, msg)
}

func (s *service) ClearHistory(ctx context.Context, user string) error {
	return s.backend.ClearHistory(ctx, user)
}

func (s *service) handleText(ctx context.Context, msg *message.Message) (string, error) {
	return s.backend.Complete(ctx, backend.Query{User: msg.FromUser, Text: msg.Content})
}

func (s *service) handleVoice(ctx context.Context, msg *message.Message) (string, error) {
	if msg.Recognition == "" {
		return voiceFallbackReply, nil
	}
	return s.backend.Complete(ctx, backend.Query{User: msg.FromUser, Text: msg.Recognition})
}

func (s *service) handleImage(context.Context, *message.Message) (string, error) {
	return imageReply, nil
}

func (s *service) handleLink(_ context.Context, msg *message.Message) (string, error) {
	return fmt.Sprintf("收到您分享的链接：%s\n%s", msg.Title, msg.URL), nil
}

func (s *service) handleEvent(ctx context.Context, msg *message.Message) (string, error) {
	switch strings.ToLower(msg.Event) {
	case EventSubscribe:
		return welcomeReply, nil
	case EventUnsubscribe:
		// the user is gone, drop their conversation state and stay silent
		if err := s.backend.ClearHistory(ctx, msg.FromUser); err != nil {
			s.logger.Warnf("clearing history for %s: %v", msg.FromUser, err)
		}
		return "", nil
	default:
		return fmt.Sprintf("收到事件：%s", msg.Event), nil
	}
}

func (s *service) handleUnsupported(_ context.Context, msg *message.Message) (string, error) {
	return fmt.Sprintf("当前不支持处理%s类型的消息", msg.Type), nil
}
