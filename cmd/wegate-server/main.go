package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/loopreply/wegate/internal/backend"
	"github.com/loopreply/wegate/internal/boot"
	"github.com/loopreply/wegate/internal/handlers"
	"github.com/loopreply/wegate/internal/model"
	"github.com/loopreply/wegate/internal/push"
	"github.com/loopreply/wegate/internal/service/gateway"
	"github.com/loopreply/wegate/internal/service/reply"
	"github.com/loopreply/wegate/internal/store"
	"github.com/nrednav/cuid2"
)

type GatewayService interface {
	handlers.GatewayService
}

type config struct {
	boot.Config
	credentials *store.CredentialStore
	gateway     GatewayService
	tracker     *store.MessageTracker
	waiting     *store.WaitingList
}

func newConfig(bootConfig *boot.Config) *config {
	credentials, err := store.NewCredentialStore(bootConfig)
	if err != nil {
		log.Fatalf("opening credential store: %+v", err)
	}

	creds := seedCredentials(bootConfig, credentials)

	var pusher gateway.Pusher
	if bootConfig.Gateway.EnablePush {
		if creds.AppSecret == "" {
			log.Fatalf("push mode needs an app secret: set WECHAT_APP_SECRET")
		}
		tokens := push.NewTokenSource(creds.AppID, creds.AppSecret, bootConfig.WeChat.APIBaseURL, credentials)
		pusher = push.New(tokens, bootConfig.WeChat.APIBaseURL)
	}

	tracker := store.NewMessageTracker(store.DefaultCompletedTTL)
	waiting := store.NewWaitingList(store.DefaultWaitingTTL)

	gatewayService := gateway.New(gateway.Config{
		HandlerDeadline:  bootConfig.Gateway.HandlerDeadline,
		WorkerDeadline:   bootConfig.Gateway.WorkerDeadline,
		RetryWaitRatio:   bootConfig.Gateway.RetryWaitRatio,
		MaxAttempts:      bootConfig.Gateway.MaxAttempts,
		MaxContinueCount: bootConfig.Gateway.MaxContinueCount,
		EnablePush:       bootConfig.Gateway.EnablePush,
		TimeoutReply:     bootConfig.Gateway.TimeoutReply,
		ContinuePrompt:   bootConfig.Gateway.ContinuePrompt,
	}, reply.New(newBackend(bootConfig)), pusher, tracker, waiting)

	return &config{*bootConfig, credentials, gatewayService, tracker, waiting}
}

// seedCredentials copies env credentials into the store on first boot.
// Once the store holds a row it is authoritative and the env is ignored.
func seedCredentials(bootConfig *boot.Config, credentials *store.CredentialStore) *model.Credentials {
	ctx := context.Background()

	creds, err := credentials.Credentials(ctx)
	if errors.Is(err, model.ErrorNotConfigured) && bootConfig.WeChat.AppID != "" && bootConfig.WeChat.Token != "" {
		seed := &model.Credentials{
			AppID:          model.AppID(bootConfig.WeChat.AppID),
			AppSecret:      bootConfig.WeChat.AppSecret,
			Token:          bootConfig.WeChat.Token,
			EncodingAESKey: bootConfig.WeChat.EncodingAESKey,
		}
		if err := credentials.SaveCredentials(seed); err != nil {
			log.Fatalf("seeding credentials: %+v", err)
		}
		creds, err = credentials.Credentials(ctx)
	}
	if err != nil {
		log.Fatalf("no account credentials, set WECHAT_APP_ID and WECHAT_TOKEN: %+v", err)
	}
	return creds
}

func newBackend(bootConfig *boot.Config) backend.Client {
	switch {
	case bootConfig.Dify.APIKey != "":
		return backend.NewDify(bootConfig.Dify.APIKey, bootConfig.Dify.BaseURL)
	case bootConfig.OpenAI.APIKey != "":
		return backend.NewOpenAI(bootConfig.OpenAI.APIKey, bootConfig.OpenAI.BaseURL, bootConfig.OpenAI.Model)
	default:
		log.Warnf("no ai backend configured, echoing messages back")
		return backend.NewStatic()
	}
}

func main() {
	bootConfig, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	config := newConfig(bootConfig)

	server := echo.New()
	server.Use(middleware.BodyLimit("1M"))
	server.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	server.Use(echoprometheus.NewMiddleware("wegate"))
	server.Use(middleware.Recover())

	server.Logger.SetLevel(log.INFO)

	server.GET("/wechat", handlers.VerifyURL(config.credentials))
	server.POST("/wechat", handlers.Receive(config.credentials, config.gateway))
	server.GET("/health", handlers.Health())

	sweepCtx, stopSweepers := context.WithCancel(context.Background())
	go config.tracker.Run(sweepCtx, store.DefaultSweepInterval)
	go config.waiting.Run(sweepCtx, store.DefaultWaitingSweepInterval)

	go func() {
		metrics := echo.New()
		metrics.GET("/metrics", echoprometheus.NewHandler())
		if err := metrics.Start(":8081"); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	go func() {
		if err := server.Start(bootConfig.ListenAddress()); err != nil && err != http.ErrServerClosed {
			server.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	stopSweepers()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		server.Logger.Fatal(err)
	}
	if err := config.credentials.Close(); err != nil {
		server.Logger.Errorf("closing credential store: %v", err)
	}
}
