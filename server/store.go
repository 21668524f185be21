package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"paylink/configs"
)

var (
	ErrNoIdentity        = errors.New("server: identity not registered")
	ErrShortIDsExhausted = errors.New("server: short id space exhausted")
)

// shortIDSpace is the number of distinct fixed-length numeric ids.
const shortIDSpace = 1000000

// StoredIdentity is the directory record the relay keeps per address. The
// relay never stores plaintext payloads or private keys.
type StoredIdentity struct {
	Address             string
	Handle              string
	ShortID             string
	EncryptionPublicKey []byte
}

// Store wraps the Redis keys backing the relay: the identity directory, the
// handle and short-id indexes, the request routing table, and per-recipient
// offline frame queues.
type Store struct {
	redis *redis.Client
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func (s *Store) SaveIdentity(ctx context.Context, id StoredIdentity) error {
	key := fmt.Sprintf(configs.DirectoryIdentityKey, id.Address)
	return s.redis.HSet(ctx, key, map[string]any{
		"handle":  id.Handle,
		"shortId": id.ShortID,
		"encPub":  base64.StdEncoding.EncodeToString(id.EncryptionPublicKey),
	}).Err()
}

func (s *Store) LoadIdentity(ctx context.Context, address string) (*StoredIdentity, error) {
	key := fmt.Sprintf(configs.DirectoryIdentityKey, address)
	fields, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNoIdentity
	}
	encPub, err := base64.StdEncoding.DecodeString(fields["encPub"])
	if err != nil {
		return nil, fmt.Errorf("corrupt directory record for %s: %w", address, err)
	}
	return &StoredIdentity{
		Address:             address,
		Handle:              fields["handle"],
		ShortID:             fields["shortId"],
		EncryptionPublicKey: encPub,
	}, nil
}

// ClaimHandle reserves handle for address. Returns false if another address
// already holds it.
func (s *Store) ClaimHandle(ctx context.Context, handle, address string) (bool, error) {
	key := fmt.Sprintf(configs.DirectoryHandleKey, handle)
	ok, err := s.redis.SetNX(ctx, key, address, 0).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	owner, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return owner == address, nil
}

func (s *Store) AddressByHandle(ctx context.Context, handle string) (string, error) {
	addr, err := s.redis.Get(ctx, fmt.Sprintf(configs.DirectoryHandleKey, handle)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoIdentity
	}
	return addr, err
}

func (s *Store) AddressByShortID(ctx context.Context, shortID string) (string, error) {
	addr, err := s.redis.Get(ctx, fmt.Sprintf(configs.DirectoryShortIDKey, shortID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoIdentity
	}
	return addr, err
}

// NextShortID allocates the next free fixed-length numeric id and binds it to
// the address.
func (s *Store) NextShortID(ctx context.Context, address string) (string, error) {
	return allocateShortID(
		func() (int64, error) {
			return s.redis.Incr(ctx, configs.ShortIDCounterKey).Result()
		},
		func(shortID string) (bool, error) {
			return s.redis.SetNX(ctx, fmt.Sprintf(configs.DirectoryShortIDKey, shortID), address, 0).Result()
		},
	)
}

// allocateShortID walks the counter until an unclaimed id binds. The counter
// wraps at the id-space size; an id still held by an earlier registration is
// skipped, never overwritten.
func allocateShortID(incr func() (int64, error), claim func(shortID string) (bool, error)) (string, error) {
	for attempt := 0; attempt < shortIDSpace; attempt++ {
		n, err := incr()
		if err != nil {
			return "", err
		}
		shortID := fmt.Sprintf("%0*d", configs.ShortIDLength, n%shortIDSpace)
		ok, err := claim(shortID)
		if err != nil {
			return "", err
		}
		if ok {
			return shortID, nil
		}
	}
	return "", ErrShortIDsExhausted
}

// SaveRoute remembers which two addresses a request id belongs to, so cancel
// and paid events can be fanned to the counterparty. Routes outlive the
// request TTL a little to absorb late events.
func (s *Store) SaveRoute(ctx context.Context, requestID, from, to string) error {
	key := fmt.Sprintf(configs.RequestRouteKey, requestID)
	if err := s.redis.HSet(ctx, key, "from", from, "to", to).Err(); err != nil {
		return err
	}
	return s.redis.Expire(ctx, key, 2*configs.RequestTTL).Err()
}

func (s *Store) LoadRoute(ctx context.Context, requestID string) (from, to string, err error) {
	fields, err := s.redis.HGetAll(ctx, fmt.Sprintf(configs.RequestRouteKey, requestID)).Result()
	if err != nil {
		return "", "", err
	}
	if len(fields) == 0 {
		return "", "", ErrNoIdentity
	}
	return fields["from"], fields["to"], nil
}

// QueueFrame stores a frame for an offline recipient.
func (s *Store) QueueFrame(ctx context.Context, address string, frame []byte) error {
	return s.redis.RPush(ctx, fmt.Sprintf(configs.OfflineQueueKey, address), frame).Err()
}

// DrainFrames pops all queued frames for a recipient in FIFO order.
func (s *Store) DrainFrames(ctx context.Context, address string) ([][]byte, error) {
	key := fmt.Sprintf(configs.OfflineQueueKey, address)
	values, err := s.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return nil, err
	}
	frames := make([][]byte, len(values))
	for i, v := range values {
		frames[i] = []byte(v)
	}
	return frames, nil
}
