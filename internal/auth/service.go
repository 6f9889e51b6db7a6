package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token validation errors.
var (
	// ErrUnauthenticated indicates a token is missing, malformed, expired
	// or signed with an unknown or purged key.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
)

// Claims defines the JWT claims carried by gateway tokens.
type Claims struct {
	Scope       string `json:"scope"`
	CommunityID string `json:"community_id,omitempty"`
	Tier        string `json:"tier,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	jwt.RegisteredClaims
}

// signingKey is one Ed25519 key pair with its rotation state.
type signingKey struct {
	id        string
	private   ed25519.PrivateKey
	public    ed25519.PublicKey
	rotatedAt time.Time // zero while the key is current
}

// keyMaterial is the copy-on-write key set: exactly one current key,
// at most one previous key kept during the rotation overlap.
type keyMaterial struct {
	current  *signingKey
	previous *signingKey
}

// Service issues and verifies short-lived signed tokens.
type Service struct {
	issuer   string
	tokenTTL time.Duration
	overlap  time.Duration

	keys  atomic.Pointer[keyMaterial]
	store KeyStore
	now   func() time.Time

	rotateMu sync.Mutex
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the service clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithKeyStore persists key material so restarts keep verifying
// outstanding tokens.
func WithKeyStore(store KeyStore) Option {
	return func(s *Service) { s.store = store }
}

// NewService builds an auth service, loading persisted key material
// when a store is configured and generating a fresh key otherwise.
func NewService(issuer string, tokenTTL, overlap time.Duration, opts ...Option) (*Service, error) {
	s := &Service{
		issuer:   strings.TrimSpace(issuer),
		tokenTTL: tokenTTL,
		overlap:  overlap,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	material, errLoad := s.loadOrGenerate()
	if errLoad != nil {
		return nil, errLoad
	}
	s.keys.Store(material)
	return s, nil
}

func (s *Service) loadOrGenerate() (*keyMaterial, error) {
	if s.store != nil {
		stored, errLoad := s.store.LoadKeys(context.Background())
		if errLoad != nil {
			return nil, fmt.Errorf("auth: load keys: %w", errLoad)
		}
		material := &keyMaterial{}
		for i := range stored {
			key := &signingKey{
				id:      stored[i].KeyID,
				private: ed25519.PrivateKey(stored[i].PrivateKey),
				public:  ed25519.PublicKey(stored[i].PublicKey),
			}
			if stored[i].RotatedAt != nil {
				key.rotatedAt = *stored[i].RotatedAt
			}
			if stored[i].Current {
				material.current = key
			} else if material.previous == nil || key.rotatedAt.After(material.previous.rotatedAt) {
				material.previous = key
			}
		}
		if material.current != nil {
			return material, nil
		}
	}

	key, errGenerate := generateKey()
	if errGenerate != nil {
		return nil, errGenerate
	}
	if s.store != nil {
		if errSave := s.store.SaveKey(context.Background(), StoredKey{
			KeyID:      key.id,
			PrivateKey: key.private,
			PublicKey:  key.public,
			Current:    true,
		}); errSave != nil {
			return nil, fmt.Errorf("auth: save key: %w", errSave)
		}
	}
	return &keyMaterial{current: key}, nil
}

func generateKey() (*signingKey, error) {
	pub, priv, errGenerate := ed25519.GenerateKey(rand.Reader)
	if errGenerate != nil {
		return nil, fmt.Errorf("auth: generate key: %w", errGenerate)
	}
	idBytes := make([]byte, 8)
	if _, errRead := io.ReadFull(rand.Reader, idBytes); errRead != nil {
		return nil, fmt.Errorf("auth: generate key id: %w", errRead)
	}
	return &signingKey{
		id:      hex.EncodeToString(idBytes),
		private: priv,
		public:  pub,
	}, nil
}

// Issue signs a token for the subject with the given scope and tenant
// context. Tokens expire after the configured TTL.
func (s *Service) Issue(subject, scope, communityID, tier, channelID string) (string, error) {
	material := s.material()
	if material == nil || material.current == nil {
		return "", errors.New("auth: no signing key")
	}
	now := s.now().UTC()
	claims := Claims{
		Scope:       scope,
		CommunityID: communityID,
		Tier:        tier,
		ChannelID:   channelID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = material.current.id
	signed, errSign := token.SignedString(material.current.private)
	if errSign != nil {
		return "", fmt.Errorf("auth: sign token: %w", errSign)
	}
	return signed, nil
}

// Verify validates a token and returns its claims. Tokens signed with
// the previous key keep verifying until the rotation overlap elapses.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	material := s.material()
	if material == nil || material.current == nil {
		return nil, ErrUnauthenticated
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	token, errParse := parser.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key := s.lookupKey(material, kid)
		if key == nil {
			return nil, ErrUnauthenticated
		}
		return key.public, nil
	})
	if errParse != nil {
		return nil, ErrUnauthenticated
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// lookupKey resolves a key id against current and unexpired previous keys.
func (s *Service) lookupKey(material *keyMaterial, kid string) *signingKey {
	if material.current != nil && material.current.id == kid {
		return material.current
	}
	prev := material.previous
	if prev == nil || prev.id != kid {
		return nil
	}
	if s.now().After(prev.rotatedAt.Add(s.overlap)) {
		return nil
	}
	return prev
}

// Rotate generates a new key pair. The outgoing key stays valid for
// verification during the overlap window so in-flight tokens never fail.
func (s *Service) Rotate() error {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	next, errGenerate := generateKey()
	if errGenerate != nil {
		return errGenerate
	}

	material := s.material()
	outgoing := material.current
	outgoing = &signingKey{
		id:        outgoing.id,
		private:   outgoing.private,
		public:    outgoing.public,
		rotatedAt: s.now().UTC(),
	}

	if s.store != nil {
		ctx := context.Background()
		if errSave := s.store.SaveKey(ctx, StoredKey{
			KeyID:      next.id,
			PrivateKey: next.private,
			PublicKey:  next.public,
			Current:    true,
		}); errSave != nil {
			return fmt.Errorf("auth: save rotated key: %w", errSave)
		}
		if errMark := s.store.MarkRotated(ctx, outgoing.id, outgoing.rotatedAt); errMark != nil {
			return fmt.Errorf("auth: mark rotated: %w", errMark)
		}
	}

	s.keys.Store(&keyMaterial{current: next, previous: outgoing})
	return nil
}

// PublicKey is one discovery entry served to token verifiers.
type PublicKey struct {
	KeyID   string `json:"kid"`
	Alg     string `json:"alg"`
	Key     string `json:"key"`
	Current bool   `json:"current"`
}

// PublicKeys returns the current key and, during the rotation overlap,
// the previous key.
func (s *Service) PublicKeys() []PublicKey {
	material := s.material()
	if material == nil || material.current == nil {
		return nil
	}
	keys := []PublicKey{{
		KeyID:   material.current.id,
		Alg:     jwt.SigningMethodEdDSA.Alg(),
		Key:     hex.EncodeToString(material.current.public),
		Current: true,
	}}
	prev := material.previous
	if prev != nil && !s.now().After(prev.rotatedAt.Add(s.overlap)) {
		keys = append(keys, PublicKey{
			KeyID: prev.id,
			Alg:   jwt.SigningMethodEdDSA.Alg(),
			Key:   hex.EncodeToString(prev.public),
		})
	}
	return keys
}

// material returns the current snapshot, purging an expired previous
// key on the way.
func (s *Service) material() *keyMaterial {
	material := s.keys.Load()
	if material == nil {
		return nil
	}
	prev := material.previous
	if prev != nil && s.now().After(prev.rotatedAt.Add(s.overlap)) {
		purged := &keyMaterial{current: material.current}
		if s.keys.CompareAndSwap(material, purged) {
			if s.store != nil {
				_ = s.store.DeleteKey(context.Background(), prev.id)
			}
		}
		return purged
	}
	return material
}
