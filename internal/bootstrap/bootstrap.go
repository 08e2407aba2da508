// Package bootstrap wires a loaded config.Config into the collaborators
// every cmd/* entrypoint needs: a logger, a kv.Store backend, and the
// store/keygen/shamir layers built on top of it. Shared here so
// cmd/coordinator, cmd/cosigner, and cmd/threshold-node don't each
// reimplement the same backend-selection and construction logic.
package bootstrap

import (
	"crypto/ed25519"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tatchi-labs/threshold-signer/internal/auth"
	"github.com/tatchi-labs/threshold-signer/internal/b64url"
	"github.com/tatchi-labs/threshold-signer/internal/chain"
	"github.com/tatchi-labs/threshold-signer/internal/config"
	"github.com/tatchi-labs/threshold-signer/internal/coordinator"
	"github.com/tatchi-labs/threshold-signer/internal/httpapi"
	"github.com/tatchi-labs/threshold-signer/internal/keygen"
	"github.com/tatchi-labs/threshold-signer/internal/kv"
	"github.com/tatchi-labs/threshold-signer/internal/shamir"
	"github.com/tatchi-labs/threshold-signer/internal/signing"
	"github.com/tatchi-labs/threshold-signer/internal/store"
	"github.com/tatchi-labs/threshold-signer/internal/txqueue"
	"github.com/tatchi-labs/threshold-signer/internal/webauthn"
)

// defaultVerifyAuthGas is NEAR's standard single-receipt gas allowance,
// used when a deployment's CREATE_ACCOUNT_AND_REGISTER_GAS is unset or
// doesn't parse, and as verifyAuthenticationResponse's gas budget (spec.md
// §6 doesn't enumerate a separate env var for it).
const defaultVerifyAuthGas uint64 = 30_000_000_000_000

// NewLogger builds the process-wide zap.Logger, JSON-encoded to stdout/stderr.
func NewLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

// downgradeLogger adapts *zap.Logger to kv.DowngradeLogger.
type downgradeLogger struct{ log *zap.Logger }

func (d downgradeLogger) WarnGetDelDowngrade(backend, key string) {
	d.log.Warn("kv backend lacks native GetDel, falling back to get+del",
		zap.String("backend", backend), zap.String("key", key))
}

// NewKVStore picks a kv.Store backend from cfg, preferring the most durable
// option configured: Postgres, then Redis, then Upstash's REST protocol,
// then an in-memory store as the local-development fallback (spec.md §6's
// enumerated backends, in descending order of operational durability).
func NewKVStore(cfg *config.Config, logger *zap.Logger) (kv.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		logger.Info("using postgres kv backend")
		return kv.NewPostgres(cfg.DatabaseURL)
	case cfg.RedisURL != "":
		logger.Info("using redis kv backend")
		return kv.NewRedis(cfg.RedisURL)
	case cfg.UpstashRedisRestURL != "":
		logger.Info("using upstash rest kv backend")
		return kv.NewRest(cfg.UpstashRedisRestURL, cfg.UpstashRedisRestToken, downgradeLogger{logger}), nil
	default:
		logger.Warn("no durable kv backend configured, using in-memory store")
		return kv.NewMemory(), nil
	}
}

// Stores bundles the store-layer collaborators built on top of a kv.Store.
type Stores struct {
	Keys     *store.KeyStore
	Sessions *store.SessionStore
	Auth     *store.AuthSessionStore
}

// NewStores builds the key/session/auth-session stores from cfg's prefixes
// and TTLs over backend.
func NewStores(cfg *config.Config, backend kv.Store) *Stores {
	return &Stores{
		Keys: store.NewKeyStore(backend, cfg.KeyStorePrefix),
		Sessions: store.NewSessionStore(backend, cfg.SessionPrefix,
			msDuration(cfg.MpcSessionTTLMs), msDuration(cfg.SigningSessionTTLMs)),
		Auth: store.NewAuthSessionStore(backend, cfg.AuthPrefix, msDuration(cfg.AuthSessionTTLMs)),
	}
}

// NewKeygenStrategy builds the relayer's key-resolution strategy per
// cfg.ShareMode, decoding THRESHOLD_ED25519_MASTER_SECRET_B64U when the
// derived path may need it.
func NewKeygenStrategy(cfg *config.Config, keys *store.KeyStore) (*keygen.Strategy, error) {
	var masterSecret []byte
	if cfg.MasterSecretB64U != "" {
		decoded, err := b64url.Decode(cfg.MasterSecretB64U)
		if err != nil {
			return nil, fmt.Errorf("invalid THRESHOLD_ED25519_MASTER_SECRET_B64U: %w", err)
		}
		masterSecret = decoded
	}
	mode := keygen.Mode(cfg.ShareMode)
	if mode != keygen.ModeKV && mode != keygen.ModeDerived && mode != keygen.ModeAuto {
		return nil, fmt.Errorf("invalid THRESHOLD_ED25519_SHARE_MODE %q", cfg.ShareMode)
	}
	return keygen.New(mode, keys, masterSecret), nil
}

// NewShamirEngine decodes cfg's configured (p, e_s, d_s) triple into a
// shamir.Engine. All three must be set; there is no generated fallback in
// production, since e_s/d_s must stay stable across restarts for
// removeServerLock to keep working on previously applied locks.
func NewShamirEngine(cfg *config.Config) (*shamir.Engine, error) {
	p, err := decodeBigIntB64u(cfg.ShamirPB64U, "SHAMIR_P_B64U")
	if err != nil {
		return nil, err
	}
	es, err := decodeBigIntB64u(cfg.ShamirESB64U, "SHAMIR_E_S_B64U")
	if err != nil {
		return nil, err
	}
	ds, err := decodeBigIntB64u(cfg.ShamirDSB64U, "SHAMIR_D_S_B64U")
	if err != nil {
		return nil, err
	}
	return shamir.NewEngine(shamir.NewKeyMaterial(p, es, ds)), nil
}

func decodeBigIntB64u(value, field string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	raw, err := b64url.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return new(big.Int).SetBytes(raw), nil
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func gasOrDefault(tgas string) uint64 {
	const teraGas uint64 = 1_000_000_000_000
	gas, err := strconv.ParseUint(tgas, 10, 64)
	if err != nil || gas == 0 || gas > ^uint64(0)/teraGas {
		return defaultVerifyAuthGas
	}
	return gas * teraGas
}

// Coordinator bundles the coordinator-role HTTP server with the background
// resources (the nonce-ordered broadcast queue) a caller must Close on
// shutdown.
type Coordinator struct {
	Server *httpapi.Server
	Queue  *txqueue.Queue
}

// NewCoordinatorServer wires every coordinator-role collaborator
// (chain client/signer, nonce queue, Shamir engine, fleet signing service,
// AuthService, session credential signer) into an httpapi.Server, following
// cmd/coordinator's original single-process wiring.
func NewCoordinatorServer(cfg *config.Config, logger *zap.Logger) (*Coordinator, error) {
	backend, err := NewKVStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize kv backend: %w", err)
	}
	stores := NewStores(cfg, backend)

	shamirEngine, err := NewShamirEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize shamir engine: %w", err)
	}

	relayerKey, err := chain.ParsePrivateKey(cfg.RelayerPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid RELAYER_PRIVATE_KEY: %w", err)
	}
	signer := chain.NewEd25519Signer(relayerKey)
	chainClient := chain.NewClient(cfg.NearRPCURL, cfg.NetworkID)
	queue := txqueue.New(256, logger)

	var credSigner auth.SessionCredentialSigner
	switch cfg.JWTSigningMode {
	case "eddsa":
		credSigner = &auth.EdDSASigner{PrivateKey: ed25519.PrivateKey(relayerKey.Bytes[:])}
	default:
		if cfg.JWTHMACSecret == "" {
			queue.Close()
			return nil, fmt.Errorf("JWT_HMAC_SECRET is required when JWT_SIGNING_MODE=hmac")
		}
		credSigner = &auth.HMACSigner{Secret: []byte(cfg.JWTHMACSecret)}
	}

	authSvc := auth.NewService(
		chainClient, signer, queue, shamirEngine, credSigner,
		cfg.WebAuthnContractID, cfg.NetworkID, cfg.RelayerAccountID, cfg.AccountInitialBalance,
		gasOrDefault(cfg.CreateAccountAndRegisterGas), defaultVerifyAuthGas, cfg.JWTIssuer,
	)

	grantSecret, err := b64url.Decode(cfg.CoordinatorSharedSecretB64U)
	if err != nil {
		queue.Close()
		return nil, fmt.Errorf("invalid THRESHOLD_COORDINATOR_SHARED_SECRET_B64U: %w", err)
	}

	transport := coordinator.NewTransport(grantSecret, 5*time.Second)
	signingSvc := &signing.Service{
		Mode:                 signing.ModeFleet,
		ClientParticipantID:  cfg.ClientParticipantID,
		RelayerParticipantID: cfg.RelayerParticipantID,
		Cosigners:            cfg.Cosigners,
		Threshold:            cfg.CosignerThreshold,
		Sessions:             stores.Sessions,
		// WebAuthn ceremony verification is out of scope (internal/webauthn's
		// own package doc); a deployment swaps this collaborator for a real
		// relying-party verifier without touching signing.Service.
		Verifier:           webauthn.StaticVerifier{Result: webauthn.VerifiedAssertion{Verified: true}},
		Transport:          transport,
		GrantSecret:        grantSecret,
		AuthSessions:       stores.Auth,
		AuthSessionMaxUses: cfg.AuthSessionMaxUses,
		Logger:             logger,
	}

	server := httpapi.NewServer(
		signingSvc, authSvc, shamirEngine,
		msDuration(cfg.MpcSessionTTLMs), msDuration(cfg.SigningSessionTTLMs),
		nil, logger,
	)

	return &Coordinator{Server: server, Queue: queue}, nil
}

// NewCosignerServer wires a cosigner-role keygen.Strategy and
// signing.CosignerService into an httpapi.CosignerServer, following
// cmd/cosigner's original single-process wiring.
func NewCosignerServer(cfg *config.Config, logger *zap.Logger) (*httpapi.CosignerServer, error) {
	backend, err := NewKVStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize kv backend: %w", err)
	}
	stores := NewStores(cfg, backend)

	keygenStrategy, err := NewKeygenStrategy(cfg, stores.Keys)
	if err != nil {
		return nil, fmt.Errorf("initialize keygen strategy: %w", err)
	}

	grantSecret, err := b64url.Decode(cfg.CoordinatorSharedSecretB64U)
	if err != nil {
		return nil, fmt.Errorf("invalid THRESHOLD_COORDINATOR_SHARED_SECRET_B64U: %w", err)
	}

	cosignerSvc := signing.NewCosignerService(cfg.CosignerID, keygenStrategy, grantSecret, logger)
	return httpapi.NewCosignerServer(cosignerSvc, logger), nil
}
