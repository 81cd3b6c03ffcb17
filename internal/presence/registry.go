package presence

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ConnID はライブ接続1本ごとに一意な識別子。
type ConnID string

// Member はルームに所属するライブ接続のスナップショット。
type Member struct {
	// ConnID は接続の識別子。
	ConnID ConnID
	// UserID は接続に紐付いたユーザーID。本人確認前は0。
	UserID int64
}

// Stats はレジストリの現在の規模を表す。
type Stats struct {
	// Connections は登録済みの接続数。
	Connections int `json:"connections"`
	// Users は接続に紐付いているユーザーの数。
	Users int `json:"users"`
	// Rooms はメンバーが1人以上いるルームの数。
	Rooms int `json:"rooms"`
}

// connection はレジストリ内部で保持する接続のレコード。
type connection struct {
	userID int64
	rooms  map[Room]struct{}
}

// Registry は「今誰がどのルームに接続しているか」をプロセス内で管理する。
//
// 各操作は1回のロック区間で完結するため、ResolveRoom が削除途中の接続を
// 観測することはない。未知の接続に対する操作は何もせずに戻る。
// 切断直後に遅れて届いたメッセージはよくあることで、エラーにはしない。
type Registry struct {
	// mu は以下のマップ全体を保護する。
	mu sync.RWMutex
	// conns は接続IDから接続レコードへの対応。
	conns map[ConnID]*connection
	// rooms はルームから所属接続IDの集合への対応。
	rooms map[Room]map[ConnID]struct{}
	// users はユーザーIDから最後にバインドされた接続IDへの対応。
	users map[int64]ConnID
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewRegistry は空のレジストリを生成する。
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:  make(map[ConnID]*connection),
		rooms:  make(map[Room]map[ConnID]struct{}),
		users:  make(map[int64]ConnID),
		logger: logger.Named("presence"),
	}
}

// Register は空の接続レコードを作成し、ブロードキャストルームに参加させる。
// 既に登録済みの場合は何もしない。
func (r *Registry) Register(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; ok {
		return
	}
	r.conns[id] = &connection{rooms: make(map[Room]struct{})}
	r.joinLocked(id, BroadcastRoom())
	r.logger.Debug("接続を登録しました", zap.String("conn_id", string(id)))
}

// BindUser は接続にユーザーを紐付け、そのユーザーのルームに参加させる。
//
// ユーザー→接続の対応は後勝ちで上書きされるが、以前の接続のルーム所属は
// その接続自身が切断されるまで残る。接続が未登録、または別ユーザーに
// 紐付け済みの場合はfalseを返す。
func (r *Registry) BindUser(id ConnID, userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	if c.userID != 0 && c.userID != userID {
		r.logger.Warn("別ユーザーへの再バインドを無視しました",
			zap.String("conn_id", string(id)),
			zap.Int64("bound_user_id", c.userID),
			zap.Int64("requested_user_id", userID),
		)
		return false
	}

	c.userID = userID
	if prev, ok := r.users[userID]; ok && prev != id {
		r.logger.Debug("ユーザーの接続を新しい接続で上書きします",
			zap.Int64("user_id", userID),
			zap.String("previous_conn_id", string(prev)),
			zap.String("conn_id", string(id)),
		)
	}
	r.users[userID] = id
	r.joinLocked(id, UserRoom(userID))
	return true
}

// JoinRoom は接続をルームに参加させる。参加済みなら何もしない。
// 接続が未登録の場合はfalseを返す。
func (r *Registry) JoinRoom(id ConnID, room Room) bool {
	if !room.IsValid() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	r.joinLocked(id, room)
	return true
}

// LeaveRoom は接続をルームから外す。
func (r *Registry) LeaveRoom(id ConnID, room Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, member := c.rooms[room]; !member {
		return false
	}
	r.leaveLocked(id, c, room)
	return true
}

// Disconnect は接続を全ルームから外し、レコードを破棄する。
// ユーザー→接続の対応は、この接続が最後にバインドされたものである場合に限り削除する。
// 戻り値は破棄した接続の情報。未登録の場合は false を返す。
func (r *Registry) Disconnect(id ConnID) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return Member{}, false
	}

	for room := range c.rooms {
		r.leaveLocked(id, c, room)
	}
	if c.userID != 0 && r.users[c.userID] == id {
		delete(r.users, c.userID)
	}
	delete(r.conns, id)

	r.logger.Debug("接続を破棄しました",
		zap.String("conn_id", string(id)),
		zap.Int64("user_id", c.userID),
	)
	return Member{ConnID: id, UserID: c.userID}, true
}

// ResolveRoom はルームに現在所属している接続のスナップショットを返す。
// 誰も接続していない場合は空スライスを返す。戻り値は呼び出し側で自由に変更してよい。
func (r *Registry) ResolveRoom(room Room) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.rooms[room]
	members := make([]Member, 0, len(set))
	for id := range set {
		members = append(members, Member{ConnID: id, UserID: r.conns[id].userID})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ConnID < members[j].ConnID
	})
	return members
}

// UserOf は接続に紐付いたユーザーIDを返す。
func (r *Registry) UserOf(id ConnID) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok || c.userID == 0 {
		return 0, false
	}
	return c.userID, true
}

// ConnectionOf はユーザーに最後にバインドされた接続IDを返す。
func (r *Registry) ConnectionOf(userID int64) (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.users[userID]
	return id, ok
}

// Stats はレジストリの規模を返す。
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Connections: len(r.conns),
		Users:       len(r.users),
		Rooms:       len(r.rooms),
	}
}

func (r *Registry) joinLocked(id ConnID, room Room) {
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[ConnID]struct{})
		r.rooms[room] = set
	}
	set[id] = struct{}{}
	r.conns[id].rooms[room] = struct{}{}
}

func (r *Registry) leaveLocked(id ConnID, c *connection, room Room) {
	delete(c.rooms, room)
	set := r.rooms[room]
	delete(set, id)
	if len(set) == 0 {
		delete(r.rooms, room)
	}
}
