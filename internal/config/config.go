// Package config loads the service configuration from the environment,
// following the enumerated options in spec.md §6.
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// NodeRole selects which handlers cmd/threshold-node registers.
type NodeRole string

const (
	RoleCoordinator NodeRole = "coordinator"
	RoleCosigner    NodeRole = "cosigner"
)

// ShareMode selects the KeygenStrategy.
type ShareMode string

const (
	ShareModeAuto    ShareMode = "auto"
	ShareModeKV      ShareMode = "kv"
	ShareModeDerived ShareMode = "derived"
)

// Cosigner is one entry of THRESHOLD_ED25519_RELAYER_COSIGNERS.
type Cosigner struct {
	CosignerID int    `json:"cosignerId"`
	RelayerURL string `json:"relayerUrl"`
}

// Config holds every recognized configuration option.
type Config struct {
	// Chain / relayer
	RelayerAccountID           string
	RelayerPrivateKey          string // "ed25519:<base58>"
	WebAuthnContractID         string
	NearRPCURL                 string
	NetworkID                  string
	AccountInitialBalance      string // yocto-units, decimal string
	CreateAccountAndRegisterGas string // tera-units, decimal string

	// Shamir
	ShamirPB64U  string
	ShamirESB64U string
	ShamirDSB64U string
	// ShamirGraceWindowMs resolves the open question in spec.md §9: grace
	// key lifetime is explicit configuration, never an ambient default.
	ShamirGraceWindowMs int64

	// Threshold
	NodeRole                    NodeRole
	ShareMode                    ShareMode
	MasterSecretB64U             string
	CoordinatorSharedSecretB64U  string
	Cosigners                    []Cosigner
	CosignerThreshold            int
	ClientParticipantID          int
	RelayerParticipantID         int
	// CosignerID identifies this process among Cosigners when
	// NodeRole is RoleCosigner. Unused by a coordinator process.
	CosignerID int

	// JWT (spec.md §9 "JWT signing placeholder" resolved: real signer)
	JWTSigningMode string // "hmac" | "eddsa"
	JWTHMACSecret  string
	JWTIssuer      string

	// Backend store selection
	UpstashRedisRestURL   string
	UpstashRedisRestToken string
	RedisURL              string
	DatabaseURL           string

	KeyStorePrefix  string
	SessionPrefix   string
	AuthPrefix      string

	// Session TTLs (spec.md §4.2 defaults, overridable)
	MpcSessionTTLMs     int64
	SigningSessionTTLMs int64
	AuthSessionTTLMs    int64
	AuthSessionMaxUses  int

	HTTPPort int
}

// Load reads configuration from the environment. Unlike the teacher's
// single-prefix CAESAR_* scheme, the env var surface here is the explicit
// flat set spec.md §6 enumerates, so each key is bound individually rather
// than derived from a common prefix.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	bind := func(keys ...string) {
		for _, k := range keys {
			_ = v.BindEnv(k)
		}
	}
	bind(
		"RELAYER_ACCOUNT_ID", "RELAYER_PRIVATE_KEY", "WEBAUTHN_CONTRACT_ID",
		"NEAR_RPC_URL", "NETWORK_ID", "ACCOUNT_INITIAL_BALANCE",
		"CREATE_ACCOUNT_AND_REGISTER_GAS",
		"SHAMIR_P_B64U", "SHAMIR_E_S_B64U", "SHAMIR_D_S_B64U", "SHAMIR_GRACE_WINDOW_MS",
		"THRESHOLD_NODE_ROLE", "THRESHOLD_ED25519_SHARE_MODE",
		"THRESHOLD_ED25519_MASTER_SECRET_B64U",
		"THRESHOLD_COORDINATOR_SHARED_SECRET_B64U",
		"THRESHOLD_ED25519_RELAYER_COSIGNERS",
		"THRESHOLD_ED25519_RELAYER_COSIGNER_T",
		"THRESHOLD_ED25519_CLIENT_PARTICIPANT_ID",
		"THRESHOLD_ED25519_RELAYER_PARTICIPANT_ID",
		"THRESHOLD_ED25519_COSIGNER_ID",
		"JWT_SIGNING_MODE", "JWT_HMAC_SECRET", "JWT_ISSUER",
		"UPSTASH_REDIS_REST_URL", "UPSTASH_REDIS_REST_TOKEN", "REDIS_URL", "DATABASE_URL",
		"THRESHOLD_ED25519_KEYSTORE_PREFIX", "THRESHOLD_ED25519_SESSION_PREFIX", "THRESHOLD_ED25519_AUTH_PREFIX",
		"MPC_SESSION_TTL_MS", "SIGNING_SESSION_TTL_MS", "AUTH_SESSION_TTL_MS", "AUTH_SESSION_MAX_USES",
		"HTTP_PORT",
	)

	v.SetDefault("THRESHOLD_NODE_ROLE", string(RoleCoordinator))
	v.SetDefault("THRESHOLD_ED25519_SHARE_MODE", string(ShareModeAuto))
	v.SetDefault("THRESHOLD_ED25519_CLIENT_PARTICIPANT_ID", 1)
	v.SetDefault("THRESHOLD_ED25519_RELAYER_PARTICIPANT_ID", 2)
	v.SetDefault("THRESHOLD_ED25519_RELAYER_COSIGNER_T", 1)
	v.SetDefault("SHAMIR_GRACE_WINDOW_MS", int64(10*60*1000))
	v.SetDefault("THRESHOLD_ED25519_KEYSTORE_PREFIX", "threshold-ed25519:key:")
	v.SetDefault("THRESHOLD_ED25519_SESSION_PREFIX", "threshold-ed25519:session:")
	v.SetDefault("THRESHOLD_ED25519_AUTH_PREFIX", "threshold-ed25519:auth:")
	v.SetDefault("MPC_SESSION_TTL_MS", int64(60*1000))
	v.SetDefault("SIGNING_SESSION_TTL_MS", int64(60*1000))
	v.SetDefault("AUTH_SESSION_TTL_MS", int64(5*60*1000))
	v.SetDefault("AUTH_SESSION_MAX_USES", 3)
	v.SetDefault("JWT_SIGNING_MODE", "hmac")
	v.SetDefault("JWT_ISSUER", "threshold-signer")
	v.SetDefault("HTTP_PORT", 8443)
	v.SetDefault("NETWORK_ID", "testnet")

	var cosigners []Cosigner
	if raw := v.GetString("THRESHOLD_ED25519_RELAYER_COSIGNERS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cosigners); err != nil {
			return nil, fmt.Errorf("invalid THRESHOLD_ED25519_RELAYER_COSIGNERS: %w", err)
		}
	}

	cfg := &Config{
		RelayerAccountID:            v.GetString("RELAYER_ACCOUNT_ID"),
		RelayerPrivateKey:           v.GetString("RELAYER_PRIVATE_KEY"),
		WebAuthnContractID:          v.GetString("WEBAUTHN_CONTRACT_ID"),
		NearRPCURL:                  v.GetString("NEAR_RPC_URL"),
		NetworkID:                   v.GetString("NETWORK_ID"),
		AccountInitialBalance:       v.GetString("ACCOUNT_INITIAL_BALANCE"),
		CreateAccountAndRegisterGas: v.GetString("CREATE_ACCOUNT_AND_REGISTER_GAS"),

		ShamirPB64U:         v.GetString("SHAMIR_P_B64U"),
		ShamirESB64U:        v.GetString("SHAMIR_E_S_B64U"),
		ShamirDSB64U:        v.GetString("SHAMIR_D_S_B64U"),
		ShamirGraceWindowMs: v.GetInt64("SHAMIR_GRACE_WINDOW_MS"),

		NodeRole:                    NodeRole(v.GetString("THRESHOLD_NODE_ROLE")),
		ShareMode:                   ShareMode(v.GetString("THRESHOLD_ED25519_SHARE_MODE")),
		MasterSecretB64U:            v.GetString("THRESHOLD_ED25519_MASTER_SECRET_B64U"),
		CoordinatorSharedSecretB64U: v.GetString("THRESHOLD_COORDINATOR_SHARED_SECRET_B64U"),
		Cosigners:                   cosigners,
		CosignerThreshold:           v.GetInt("THRESHOLD_ED25519_RELAYER_COSIGNER_T"),
		ClientParticipantID:         v.GetInt("THRESHOLD_ED25519_CLIENT_PARTICIPANT_ID"),
		RelayerParticipantID:        v.GetInt("THRESHOLD_ED25519_RELAYER_PARTICIPANT_ID"),
		CosignerID:                  v.GetInt("THRESHOLD_ED25519_COSIGNER_ID"),

		JWTSigningMode: v.GetString("JWT_SIGNING_MODE"),
		JWTHMACSecret:  v.GetString("JWT_HMAC_SECRET"),
		JWTIssuer:      v.GetString("JWT_ISSUER"),

		UpstashRedisRestURL:   v.GetString("UPSTASH_REDIS_REST_URL"),
		UpstashRedisRestToken: v.GetString("UPSTASH_REDIS_REST_TOKEN"),
		RedisURL:              v.GetString("REDIS_URL"),
		DatabaseURL:           v.GetString("DATABASE_URL"),

		KeyStorePrefix: v.GetString("THRESHOLD_ED25519_KEYSTORE_PREFIX"),
		SessionPrefix:  v.GetString("THRESHOLD_ED25519_SESSION_PREFIX"),
		AuthPrefix:     v.GetString("THRESHOLD_ED25519_AUTH_PREFIX"),

		MpcSessionTTLMs:     v.GetInt64("MPC_SESSION_TTL_MS"),
		SigningSessionTTLMs: v.GetInt64("SIGNING_SESSION_TTL_MS"),
		AuthSessionTTLMs:    v.GetInt64("AUTH_SESSION_TTL_MS"),
		AuthSessionMaxUses:  v.GetInt("AUTH_SESSION_MAX_USES"),

		HTTPPort: v.GetInt("HTTP_PORT"),
	}

	if cfg.NodeRole != RoleCoordinator && cfg.NodeRole != RoleCosigner {
		return nil, fmt.Errorf("THRESHOLD_NODE_ROLE must be %q or %q, got %q", RoleCoordinator, RoleCosigner, cfg.NodeRole)
	}
	if cfg.NodeRole == RoleCosigner && cfg.CosignerID == 0 {
		return nil, fmt.Errorf("THRESHOLD_ED25519_COSIGNER_ID is required when THRESHOLD_NODE_ROLE=cosigner")
	}
	if cfg.ClientParticipantID == cfg.RelayerParticipantID {
		return nil, fmt.Errorf("client and relayer participant ids must be distinct")
	}
	for _, id := range []int{cfg.ClientParticipantID, cfg.RelayerParticipantID} {
		if id < 1 || id > 65535 {
			return nil, fmt.Errorf("participant id %d out of range [1, 65535]", id)
		}
	}

	return cfg, nil
}
