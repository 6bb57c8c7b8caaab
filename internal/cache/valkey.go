package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gobwas/glob"
	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig pins transport security for the shared backend.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig carries connection settings for the shared backend.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

type valkeyStore struct {
	client valkey.Client
}

// NewValkey constructs the shared backing store. It pings the server before
// returning so a misconfigured address fails at startup rather than on the
// first cache miss.
func NewValkey(cfg ValkeyConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	return &valkeyStore{client: client}, nil
}

func (s *valkeyStore) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: valkey get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: valkey unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *valkeyStore) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	now := time.Now().UTC()
	entry := Entry{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: valkey marshal: %w", err)
	}
	cmd := s.client.B().Set().Key(key).Value(string(payload)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey set: %w", err)
	}
	return nil
}

func (s *valkeyStore) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	if _, err := glob.Compile(pattern); err != nil {
		return 0, ErrInvalidPattern
	}
	var removed int64
	var cursor uint64
	for {
		resp := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(256).Build())
		scan, err := resp.AsScanEntry()
		if err != nil {
			return removed, fmt.Errorf("cache: valkey scan: %w", err)
		}
		if len(scan.Elements) > 0 {
			del := s.client.B().Del().Key(scan.Elements...).Build()
			count, err := s.client.Do(ctx, del).ToInt64()
			if err != nil {
				return removed, fmt.Errorf("cache: valkey del: %w", err)
			}
			removed += count
		}
		cursor = scan.Cursor
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (s *valkeyStore) EntryCount(ctx context.Context) (int64, error) {
	size, err := s.client.Do(ctx, s.client.B().Dbsize().Build()).ToInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: valkey dbsize: %w", err)
	}
	return size, nil
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
