package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"matricare/internal/auth"
	"matricare/internal/config"
	"matricare/internal/database"
	"matricare/internal/email"
	"matricare/internal/logging"
	"matricare/internal/notify"
	redisx "matricare/internal/redis"
	"matricare/internal/server"
	"matricare/internal/sms"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logOutput := io.Writer(os.Stdout)
	if cfg.LogFile != "" {
		fileWriter, err := logging.NewRotatingFileWriter(cfg.LogFile, logging.DefaultMaxSizeBytes, logging.DefaultMaxBackups)
		if err != nil {
			log.Fatalf("log setup error: %v", err)
		}
		defer fileWriter.Close()
		logOutput = io.MultiWriter(os.Stdout, fileWriter)
	}
	log.SetOutput(logOutput)
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lshortfile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database error: %v", err)
	}
	defer db.Close()

	redisClient, err := redisx.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis error: %v", err)
	}
	defer redisClient.Close()

	users := auth.NewUserRepository(db)
	mfaStore := auth.NewMFARepository(db)
	recoveryStore := auth.NewRecoveryRepository(db)

	sessions := &auth.SessionStore{Redis: redisClient}
	rateLimiter := auth.NewRateLimiter(redisClient, cfg.MaxVerifyAttempts, cfg.RateLimitWindow)
	audit := &auth.AuditLogger{Redis: redisClient, MaxLen: 10000}
	hasher := auth.NewBcryptHasher(cfg.BcryptCost)
	totpSvc := auth.NewTOTPService(cfg.TOTPIssuer)

	var emailSender notify.EmailSender
	if cfg.Email.Enabled() {
		emailSender = email.NewSender(cfg.Email)
	}
	var smsSender notify.SMSSender
	if cfg.SMS.Enabled() {
		smsSender = sms.NewClient(cfg.SMS)
	}
	dispatcher := notify.NewService(emailSender, smsSender, 10*time.Second)

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret:           cfg.TokenSecret,
		Issuer:           cfg.TokenIssuer,
		AccessTTL:        cfg.AccessTokenTTL,
		RefreshTTL:       cfg.RefreshTokenTTL,
		CacheTTL:         cfg.IdentityCacheTTL,
		RevocationWindow: cfg.RevocationWindow,
	}, users, redisClient)
	if err != nil {
		log.Fatalf("token service error: %v", err)
	}

	mfa := &auth.MFAService{
		Users:            users,
		Store:            mfaStore,
		Redis:            redisClient,
		TOTP:             totpSvc,
		Dispatcher:       dispatcher,
		Sessions:         sessions,
		Tokens:           tokens,
		CodeLength:       cfg.CodeLength,
		CodeTTL:          cfg.CodeTTL,
		TrustedDeviceTTL: cfg.TrustedDeviceTTL,
		MandatedRoles:    cfg.MFARequiredRoles,
	}

	recovery := &auth.RecoveryService{
		Users:      users,
		Store:      recoveryStore,
		Devices:    mfaStore,
		Hasher:     hasher,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Tokens:     tokens,
		BaseURL:    cfg.BaseURL,
		CodeLength: cfg.CodeLength,
		CodeTTL:    cfg.CodeTTL,
		RequestTTL: cfg.RecoveryRequestTTL,
		HistoryTTL: cfg.PasswordHistoryTTL,
	}

	janitor := auth.NewJanitor(db, cfg.JanitorInterval)
	go janitor.Run(ctx)

	api := server.NewServer(cfg, users, sessions, tokens, mfa, recovery, rateLimiter, audit, hasher)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Router(),
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	log.Printf("Listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
