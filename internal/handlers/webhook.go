package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/loopreply/wegate/internal/model"
	"github.com/loopreply/wegate/pkg/message"
	"github.com/loopreply/wegate/pkg/msgcrypt"
	"github.com/loopreply/wegate/pkg/signature"
)

// ackBody is what the platform expects when there is nothing to say.
const ackBody = "success"

type CredentialSource interface {
	Credentials(ctx context.Context) (*model.Credentials, error)
}

type GatewayService interface {
	Handle(ctx context.Context, msg *message.Message) (string, error)
}

// VerifyURL answers the platform's GET handshake: echo the challenge when
// the signature checks out, otherwise 403.
func VerifyURL(credentials CredentialSource) echo.HandlerFunc {
	return func(c echo.Context) error {
		creds, err := credentials.Credentials(c.Request().Context())
		if err != nil {
			return fmt.Errorf("loading credentials: %w", err)
		}

		if !signature.Verify(creds.Token, c.QueryParam("timestamp"), c.QueryParam("nonce"), c.QueryParam("signature")) {
			return echo.ErrForbidden
		}
		return c.String(http.StatusOK, c.QueryParam("echostr"))
	}
}

// Receive accepts an inbound message POST. Credentials are read per
// request so reconfiguration does not need a restart. A reply-pending
// outcome maps to a bare 500, which is what makes the platform redeliver;
// any other internal failure is acked with 200 so a bug cannot feed a
// retry storm.
func Receive(credentials CredentialSource, gateway GatewayService) echo.HandlerFunc {
	logger := log.New("webhook")

	return func(c echo.Context) error {
		ctx := c.Request().Context()
		creds, err := credentials.Credentials(ctx)
		if err != nil {
			return fmt.Errorf("loading credentials: %w", err)
		}

		body := c.Request().Body
		defer body.Close()

		raw, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("reading request body: %w", err)
		}

		timestamp := c.QueryParam("timestamp")
		nonce := c.QueryParam("nonce")

		var codec *msgcrypt.Codec
		if creds.EncodingAESKey != "" {
			codec, err = msgcrypt.New(creds.Token, creds.EncodingAESKey, string(creds.AppID))
			if err != nil {
				logger.Errorf("building message codec: %v", err)
				return echo.ErrBadRequest
			}
			raw, err = codec.DecryptEnvelope(raw, c.QueryParam("msg_signature"), timestamp, nonce)
			if err != nil {
				if errors.Is(err, msgcrypt.ErrorInvalidSignature) {
					return echo.ErrForbidden
				}
				return echo.ErrBadRequest
			}
		} else if !signature.Verify(creds.Token, timestamp, nonce, c.QueryParam("signature")) {
			return echo.ErrForbidden
		}

		msg, err := message.Parse(raw)
		if err != nil {
			return echo.ErrBadRequest
		}

		result, err := gateway.Handle(ctx, msg)
		if err != nil {
			if errors.Is(err, model.ErrorReplyPending) {
				return c.NoContent(http.StatusInternalServerError)
			}
			logger.Errorf("handling message from %s: %v", msg.FromUser, err)
			return c.String(http.StatusOK, ackBody)
		}
		if result == "" {
			return c.String(http.StatusOK, ackBody)
		}

		reply, err := message.BuildTextReply(msg.FromUser, msg.ToUser, result)
		if err != nil {
			logger.Errorf("building reply for %s: %v", msg.FromUser, err)
			return c.String(http.StatusOK, ackBody)
		}
		if codec != nil {
			reply, err = codec.EncryptReply(reply, timestamp, nonce)
			if err != nil {
				logger.Errorf("encrypting reply for %s: %v", msg.FromUser, err)
				return c.String(http.StatusOK, ackBody)
			}
		}
		return c.XMLBlob(http.StatusOK, reply)
	}
}
