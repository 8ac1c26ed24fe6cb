// Package keystore implements component B, the Server Keystore: the
// local Ed25519 signing keypair, a per-origin cache of remote verify
// keys, and the direct/notary fetch logic signature verification
// depends on.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sirupsen/logrus"

	"github.com/arborhs/homeserver/internal/hserr"
	"github.com/arborhs/homeserver/internal/kvstore"
	"github.com/arborhs/homeserver/pkg/pdu"
)

// maxKeyValidity is the local clamp applied to any server-advertised
// valid_until_ts, per spec §4.4/§9's conservative default.
const maxKeyValidity = 30 * 24 * time.Hour

// VerifyKey is a single cached remote signing key.
type VerifyKey struct {
	PublicKey    ed25519.PublicKey
	ValidUntilTS int64 // ms since epoch
}

// KeyFetcher abstracts the two remote key sources: a direct fetch from
// the origin server, and a batched lookup against a trusted notary.
// Production wiring is internal/federationclient; tests inject fakes.
type KeyFetcher interface {
	FetchServerKeys(ctx context.Context, server string) (map[string]VerifyKey, error)
	NotaryQuery(ctx context.Context, notary, target string, keyIDs []string) (map[string]VerifyKey, error)
}

// Keystore holds the local signing key and the remote verify-key cache.
type Keystore struct {
	kv        *kvstore.Store
	fetcher   KeyFetcher
	serverName string
	trusted   []string // configured notary server names

	mu        sync.RWMutex
	ownKeyID  string
	ownPriv   ed25519.PrivateKey
	ownPub    ed25519.PublicKey

	cache *ristretto.Cache
}

// New constructs a Keystore, loading or generating the local keypair.
func New(kv *kvstore.Store, serverName string, trusted []string, fetcher KeyFetcher) (*Keystore, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: new cache: %w", err)
	}

	ks := &Keystore{
		kv:         kv,
		fetcher:    fetcher,
		serverName: serverName,
		trusted:    trusted,
		cache:      cache,
	}
	if err := ks.loadOrGenerateKeypair(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *Keystore) loadOrGenerateKeypair() error {
	raw, err := ks.kv.Get("global", []byte("keypair"))
	if err != nil {
		return hserr.Database(err, "load signing keypair")
	}
	if raw != nil {
		if len(raw) < 9 {
			return hserr.Database(nil, "corrupt stored keypair")
		}
		keyID := string(raw[:8])
		seed := raw[9:]
		priv := ed25519.NewKeyFromSeed(seed)
		ks.ownKeyID = "ed25519:" + keyID
		ks.ownPriv = priv
		ks.ownPub = priv.Public().(ed25519.PublicKey)
		return nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return hserr.Config(err, "generate ed25519 keypair")
	}
	keyID := randVersion()
	seed := priv.Seed()
	buf := make([]byte, 0, 9+len(seed))
	buf = append(buf, []byte(keyID)...)
	buf = append(buf, 0xFF)
	buf = append(buf, seed...)
	if err := ks.kv.Put("global", []byte("keypair"), buf); err != nil {
		return hserr.Database(err, "persist new signing keypair")
	}
	ks.ownKeyID = "ed25519:" + keyID
	ks.ownPriv = priv
	ks.ownPub = pub
	logrus.WithField("key_id", ks.ownKeyID).Info("generated new server signing keypair")
	return nil
}

func randVersion() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, 8)
	for i, c := range b {
		out[i*2] = alphabet[int(c)%len(alphabet)]
		out[i*2+1] = alphabet[int(c>>4)%len(alphabet)]
	}
	return string(out)
}

// OwnKeyID returns the local server's active signing key ID.
func (ks *Keystore) OwnKeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.ownKeyID
}

// OwnPublicKey returns the local server's current public key.
func (ks *Keystore) OwnPublicKey() ed25519.PublicKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.ownPub
}

// ServerName returns the local server's name, as used in the origin
// field of signed requests and in signatures[serverName][...].
func (ks *Keystore) ServerName() string {
	return ks.serverName
}

// ExportSigningKey writes the local keypair in the dendrite-compatible
// "ed25519:keyID hexseed" text form, for the `signing-key export-path` CLI
// flag.
func (ks *Keystore) ExportSigningKey() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	seed := ks.ownPriv.Seed()
	return fmt.Sprintf("%s %x\n", ks.ownKeyID, seed)
}

// OldVerifyKey is a retired local signing key, kept around so a
// signature made before a key rotation still verifies against
// old_verify_keys in this server's published key/v2/server document.
type OldVerifyKey struct {
	KeyID     string
	PublicKey ed25519.PublicKey
	ExpiredTS int64
}

// OldVerifyKeys returns every retired local key recorded by a previous
// ImportSigningKey call with addToOldPublicKeys set.
func (ks *Keystore) OldVerifyKeys() ([]OldVerifyKey, error) {
	var out []OldVerifyKey
	err := ks.kv.PrefixIter("global_old_keys", nil, func(k, v []byte) error {
		if len(v) != ed25519.PublicKeySize+8 {
			return nil
		}
		expired, _ := kvstore.ParseU64(v[ed25519.PublicKeySize:])
		out = append(out, OldVerifyKey{
			KeyID:     "ed25519:" + string(k),
			PublicKey: append(ed25519.PublicKey(nil), v[:ed25519.PublicKeySize]...),
			ExpiredTS: int64(expired),
		})
		return nil
	})
	if err != nil {
		return nil, hserr.Database(err, "load old verify keys")
	}
	return out, nil
}

// ImportSigningKey replaces the local keypair with the one encoded in
// line, the "ed25519:keyID hexseed" text form ExportSigningKey writes.
// If addToOldPublicKeys is set, the key being replaced is first recorded
// as an OldVerifyKey retired at retiredAtTS, so requests already signed
// with it keep verifying. The stored keypair encoding (8-byte key ID)
// requires the bare key ID to be exactly 8 characters, matching the IDs
// this package itself generates.
func (ks *Keystore) ImportSigningKey(line string, addToOldPublicKeys bool, retiredAtTS int64) error {
	keyID, seed, err := parseExportedSigningKey(line)
	if err != nil {
		return err
	}
	bareKeyID := strings.TrimPrefix(keyID, "ed25519:")
	if len(bareKeyID) != 8 {
		return fmt.Errorf("keystore: signing key id must be 8 characters, got %q", bareKeyID)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if addToOldPublicKeys && ks.ownPriv != nil {
		oldBareID := strings.TrimPrefix(ks.ownKeyID, "ed25519:")
		oldValue := append(append([]byte{}, ks.ownPub...), kvstore.U64(uint64(retiredAtTS))...)
		if err := ks.kv.Put("global_old_keys", []byte(oldBareID), oldValue); err != nil {
			return hserr.Database(err, "persist retired signing key")
		}
	}

	priv := ed25519.NewKeyFromSeed(seed)
	buf := make([]byte, 0, 9+len(seed))
	buf = append(buf, []byte(bareKeyID)...)
	buf = append(buf, 0xFF)
	buf = append(buf, seed...)
	if err := ks.kv.Put("global", []byte("keypair"), buf); err != nil {
		return hserr.Database(err, "persist imported signing keypair")
	}
	ks.ownKeyID = "ed25519:" + bareKeyID
	ks.ownPriv = priv
	ks.ownPub = priv.Public().(ed25519.PublicKey)
	return nil
}

func parseExportedSigningKey(line string) (keyID string, seed []byte, err error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 2 {
		return "", nil, fmt.Errorf("keystore: malformed signing key line %q", line)
	}
	if !strings.HasPrefix(fields[0], "ed25519:") {
		return "", nil, fmt.Errorf("keystore: unsupported key algorithm in %q", fields[0])
	}
	seed, err = hex.DecodeString(fields[1])
	if err != nil {
		return "", nil, fmt.Errorf("keystore: decode signing key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return "", nil, fmt.Errorf("keystore: signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return fields[0], seed, nil
}

// SignJSON canonicalises raw and signs it with the local key, adding the
// signature under signatures[serverName][keyID] and returning the new
// JSON bytes.
func (ks *Keystore) SignJSON(raw []byte) ([]byte, error) {
	canon, err := pdu.CanonicalJSON(raw)
	if err != nil {
		return nil, err
	}
	ks.mu.RLock()
	priv := ks.ownPriv
	keyID := ks.ownKeyID
	ks.mu.RUnlock()
	sig := ed25519.Sign(priv, canon)
	return addSignature(raw, ks.serverName, keyID, sig)
}

func addSignature(raw []byte, serverName, keyID string, sig []byte) ([]byte, error) {
	// Signature insertion is a narrow JSON-surgery concern, handled by
	// the sjson-backed setSignature helper in json.go.
	return setSignature(raw, serverName, keyID, sig)
}

// VerifyResult is the outcome of a signature verification attempt.
type VerifyResult struct {
	Verified bool
	Server   string
	Err      error
}

// VerifyEvent determines the servers required to have signed event
// (per room version rules — at minimum the sender's server, plus the
// origin server for v1/v2 rooms) and verifies each signature, fetching
// keys as needed. It returns a typed error on any failure.
func (ks *Keystore) VerifyEvent(ctx context.Context, raw []byte, roomVersion string, requiredServers []string, originServerTS int64) error {
	for _, server := range requiredServers {
		keyIDs, sig, err := extractSignatureKeyIDs(raw, server)
		if err != nil {
			return hserr.Signatures(server, "malformed signatures block: %v", err)
		}
		if len(keyIDs) == 0 {
			return hserr.Signatures(server, "no signature present")
		}
		var lastErr error
		ok := false
		for _, keyID := range keyIDs {
			vk, err := ks.GetVerifyKey(ctx, server, keyID, originServerTS)
			if err != nil {
				lastErr = err
				continue
			}
			message, err := strippedForVerify(raw)
			if err != nil {
				return hserr.Signatures(server, "prepare verify payload: %v", err)
			}
			if ed25519.Verify(vk.PublicKey, message, sig[keyID]) {
				ok = true
				break
			}
			lastErr = fmt.Errorf("signature mismatch for key %s", keyID)
		}
		if !ok {
			if lastErr == nil {
				lastErr = fmt.Errorf("no usable verify key")
			}
			return hserr.Signatures(server, "verification failed: %v", lastErr)
		}
	}
	return nil
}

// GetVerifyKey returns the verify key for (server, keyID), consulting
// the RAM cache first, then the persisted cache, then performing a
// fresh fetch (direct, then notary) per §4.4.
func (ks *Keystore) GetVerifyKey(ctx context.Context, server, keyID string, eventTS int64) (VerifyKey, error) {
	cacheKey := server + "\xFF" + keyID
	if v, ok := ks.cache.Get(cacheKey); ok {
		vk := v.(VerifyKey)
		if vk.ValidUntilTS >= eventTS {
			return vk, nil
		}
		// Expired for this event's timestamp: not valid for it, so
		// fall through to a fresh fetch.
	}

	if raw, err := ks.kv.Get("server_signingkeys", []byte(cacheKey)); err == nil && raw != nil {
		vk, perr := decodeVerifyKey(raw)
		if perr == nil {
			ks.cache.Set(cacheKey, vk, 1)
			if vk.ValidUntilTS >= eventTS {
				return vk, nil
			}
		}
	}

	keys, err := ks.fetcher.FetchServerKeys(ctx, server)
	if err == nil {
		if vk, ok := keys[keyID]; ok {
			ks.store(server, keys)
			return vk, nil
		}
	}

	for _, notary := range ks.trusted {
		keys, err := ks.fetcher.NotaryQuery(ctx, notary, server, []string{keyID})
		if err != nil {
			continue
		}
		if vk, ok := keys[keyID]; ok {
			ks.store(server, keys)
			return vk, nil
		}
	}

	return VerifyKey{}, hserr.BadServerResponse(server, "failed to fetch verify key %s", keyID)
}

func (ks *Keystore) refreshInBackground(server string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	keys, err := ks.fetcher.FetchServerKeys(ctx, server)
	if err != nil {
		return
	}
	ks.store(server, keys)
}

func (ks *Keystore) store(server string, keys map[string]VerifyKey) {
	for keyID, vk := range keys {
		if vk.ValidUntilTS > time.Now().Add(maxKeyValidity).UnixMilli() {
			vk.ValidUntilTS = time.Now().Add(maxKeyValidity).UnixMilli()
		}
		cacheKey := server + "\xFF" + keyID
		ks.cache.Set(cacheKey, vk, 1)
		_ = ks.kv.Put("server_signingkeys", []byte(cacheKey), encodeVerifyKey(vk))
	}
}

func encodeVerifyKey(vk VerifyKey) []byte {
	buf := make([]byte, 8+len(vk.PublicKey))
	for i := 0; i < 8; i++ {
		buf[i] = byte(vk.ValidUntilTS >> (8 * (7 - i)))
	}
	copy(buf[8:], vk.PublicKey)
	return buf
}

func decodeVerifyKey(raw []byte) (VerifyKey, error) {
	if len(raw) < 8 {
		return VerifyKey{}, fmt.Errorf("keystore: corrupt verify key record")
	}
	var ts int64
	for i := 0; i < 8; i++ {
		ts = (ts << 8) | int64(raw[i])
	}
	return VerifyKey{PublicKey: append([]byte(nil), raw[8:]...), ValidUntilTS: ts}, nil
}
