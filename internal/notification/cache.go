package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 未読件数キャッシュのキー接頭辞。
// 件数キーと世代キーは同じハッシュスロットに入るよう、ユーザーIDをハッシュタグにする。
const (
	unreadKeyPrefix        = "notification:unread:"
	unreadVersionKeyPrefix = "notification:unread-version:"
)

// versionTTL は世代キーの有効期間。
const versionTTL = 24 * time.Hour

// setIfVersion は世代キーが読み込み開始時の値のままであれば件数を保存する。
// 読み込み中に書き込みで無効化されていれば何もしない。
var setIfVersion = redis.NewScript(`
local v = redis.call("GET", KEYS[2])
if not v then v = "0" end
if v ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// CachedStore は未読件数をRedisにキャッシュする Store。
// 未読件数が変わりうる書き込みのたびに該当ユーザーの世代を進めてキャッシュを削除する。
// 件数の書き戻しは読み込み開始時から世代が変わっていない場合に限る。
// Redisの障害時はログに記録して内側のストアにそのまま委譲する。
type CachedStore struct {
	Store
	// client はRedisクライアント。
	client redis.UniversalClient
	// ttl はキャッシュの有効期間。
	ttl time.Duration
	// logger はキャッシュ障害の記録に使う。
	logger *zap.Logger
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore は新しいCachedStoreを生成する。
func NewCachedStore(inner Store, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{
		Store:  inner,
		client: client,
		ttl:    ttl,
		logger: logger.Named("unread-cache"),
	}
}

func unreadKey(userID int64) string {
	return unreadKeyPrefix + "{" + strconv.FormatInt(userID, 10) + "}"
}

func unreadVersionKey(userID int64) string {
	return unreadVersionKeyPrefix + "{" + strconv.FormatInt(userID, 10) + "}"
}

// CountUnread はキャッシュから未読件数を返す。キャッシュに無ければ内側のストアから取得して保存する。
func (s *CachedStore) CountUnread(ctx context.Context, userID int64) (int64, error) {
	key := unreadKey(userID)

	cached, err := s.client.Get(ctx, key).Int64()
	switch {
	case err == nil:
		return cached, nil
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("未読件数キャッシュの取得に失敗", zap.Int64("user_id", userID), zap.Error(err))
	}

	version, versionErr := s.version(ctx, userID)

	count, err := s.Store.CountUnread(ctx, userID)
	if err != nil {
		return 0, err
	}

	if versionErr != nil {
		s.logger.Warn("未読件数キャッシュの世代の取得に失敗", zap.Int64("user_id", userID), zap.Error(versionErr))
		return count, nil
	}
	keys := []string{key, unreadVersionKey(userID)}
	if err := setIfVersion.Run(ctx, s.client, keys, version, count, s.ttl.Milliseconds()).Err(); err != nil {
		s.logger.Warn("未読件数キャッシュの保存に失敗", zap.Int64("user_id", userID), zap.Error(err))
	}
	return count, nil
}

// version はユーザーの未読件数キャッシュの世代を返す。未設定なら "0"。
func (s *CachedStore) version(ctx context.Context, userID int64) (string, error) {
	v, err := s.client.Get(ctx, unreadVersionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return v, err
}

// Create は通知を保存し、受信者の未読件数キャッシュを削除する。
func (s *CachedStore) Create(ctx context.Context, in NewNotification) (*Notification, error) {
	n, err := s.Store.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, in.UserID)
	return n, nil
}

// MarkRead は通知を既読にし、未読件数キャッシュを削除する。
func (s *CachedStore) MarkRead(ctx context.Context, userID, id int64) error {
	if err := s.Store.MarkRead(ctx, userID, id); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// MarkAllRead は全通知を既読にし、未読件数キャッシュを削除する。
func (s *CachedStore) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	n, err := s.Store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, userID)
	return n, nil
}

// Delete は通知を削除し、未読件数キャッシュを削除する。
func (s *CachedStore) Delete(ctx context.Context, userID, id int64) error {
	if err := s.Store.Delete(ctx, userID, id); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, userID int64) {
	versionKey := unreadVersionKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey)
		pipe.Expire(ctx, versionKey, versionTTL)
		pipe.Del(ctx, unreadKey(userID))
		return nil
	})
	if err != nil {
		s.logger.Warn("未読件数キャッシュの削除に失敗", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// NewRedisClient は設定からRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return client, nil
}
