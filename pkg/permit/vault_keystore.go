package permit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arc3silicon/dgateplus/pkg/httpx"
)

// VaultTransitKeyStore resolves home-network issuer Ed25519 public
// keys from a Vault Transit secrets engine, so permit-signing keys can
// be rotated by the issuing network's operations team without a
// redeploy of this service.
type VaultTransitKeyStore struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Transit    string
	KeyPrefix  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (s VaultTransitKeyStore) GetKey(ctx context.Context, issuerKey string) (*KeyRecord, error) {
	issuerKey = strings.TrimSpace(issuerKey)
	if issuerKey == "" {
		return nil, errors.New("issuer key required")
	}
	addr := strings.TrimRight(strings.TrimSpace(s.Addr), "/")
	if addr == "" {
		return nil, errors.New("vault addr required")
	}
	if strings.TrimSpace(s.Token) == "" {
		return nil, errors.New("vault token required")
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	if s.Transit == "" {
		s.Transit = "transit"
	}
	if s.Timeout <= 0 {
		s.Timeout = 1500 * time.Millisecond
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.RetryDelay < 0 {
		s.RetryDelay = 0
	}
	keyName := s.KeyPrefix + issuerKey
	keyPath := "/v1/" + strings.Trim(s.Transit, "/") + "/keys/" + url.PathEscape(keyName)
	endpoint := addr + keyPath

	reqCtx, cancel := context.WithTimeout(ctx, s.Timeout*time.Duration(s.MaxRetries+1))
	defer cancel()

	headers := map[string]string{"X-Vault-Token": s.Token}
	if strings.TrimSpace(s.Namespace) != "" {
		headers["X-Vault-Namespace"] = s.Namespace
	}

	status, body, err := httpx.RequestJSON(reqCtx, client, http.MethodGet, endpoint, nil, headers, s.MaxRetries, s.RetryDelay)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("issuer %q not found in vault transit", issuerKey)
	}
	if status >= 300 {
		return nil, fmt.Errorf("vault transit key lookup failed status=%d", status)
	}
	pub, err := parseVaultTransitPublicKey(body)
	if err != nil {
		return nil, err
	}
	return &KeyRecord{
		IssuerKey: issuerKey,
		PublicKey: pub,
		Status:    "active",
	}, nil
}

func parseVaultTransitPublicKey(body []byte) ([]byte, error) {
	var payload struct {
		Data struct {
			LatestVersion int `json:"latest_version"`
			Keys          map[string]struct {
				PublicKey string `json:"public_key"`
			} `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid vault response: %w", err)
	}
	if len(payload.Data.Keys) == 0 {
		return nil, errors.New("vault response missing key versions")
	}
	version := payload.Data.LatestVersion
	if version <= 0 {
		for k := range payload.Data.Keys {
			if n, err := strconv.Atoi(k); err == nil && n > version {
				version = n
			}
		}
	}
	versionKey := strconv.Itoa(version)
	item, ok := payload.Data.Keys[versionKey]
	if !ok {
		return nil, errors.New("vault response missing latest public key")
	}
	pub := strings.TrimSpace(item.PublicKey)
	if pub == "" {
		return nil, errors.New("vault response has empty public key")
	}
	if parts := strings.SplitN(pub, ":", 2); len(parts) == 2 {
		pub = strings.TrimSpace(parts[1])
	}
	pk, err := base64.StdEncoding.DecodeString(pub)
	if err != nil {
		return nil, fmt.Errorf("vault public key decode failed: %w", err)
	}
	return pk, nil
}
