package store

import (
	"context"
	"slices"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tokmz/qchat/pkg/errors"
)

// GormRepository 关系型存储实现
type GormRepository struct {
	db *gorm.DB
}

var _ Repository = (*GormRepository)(nil)

// NewGormRepository 创建 gorm 存储
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate 迁移表结构
func (r *GormRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return errors.Wrapf(errors.ErrPersistence, err, "migrate failed")
	}
	return nil
}

// wrap 统一错误：记录不存在映射为 ErrNotFound，其余为 ErrPersistence
func wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.ErrNotFound.WithMessage(op + ": not found")
	}
	if errors.From(err) != nil {
		return err
	}
	return errors.Wrapf(errors.ErrPersistence, err, "%s failed", op)
}

func (r *GormRepository) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, wrap(err, "get user")
	}
	return &u, nil
}

// GetUsers 按 ids 顺序返回，缺失的跳过
func (r *GormRepository) GetUsers(ctx context.Context, ids []int64) ([]*User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []*User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, wrap(err, "get users")
	}
	return orderUsers(users, ids), nil
}

func (r *GormRepository) EnsureUser(ctx context.Context, username, displayName string) (*User, error) {
	var u User
	err := r.db.WithContext(ctx).
		Where(User{Username: username}).
		Attrs(User{DisplayName: displayName}).
		FirstOrCreate(&u).Error
	if err != nil {
		return nil, wrap(err, "ensure user")
	}
	return &u, nil
}

func (r *GormRepository) SetPresence(ctx context.Context, userID int64, online bool, at time.Time) error {
	updates := map[string]any{"online": online}
	if !online {
		updates["last_seen"] = at
	}
	err := r.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates).Error
	return wrap(err, "set presence")
}

func (r *GormRepository) ListOnlineUserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&User{}).Where("online = ?", true).Pluck("id", &ids).Error
	return ids, wrap(err, "list online users")
}

func (r *GormRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&c, "id = ?", id).Error
	if err != nil {
		return nil, wrap(err, "get conversation")
	}
	return &c, nil
}

func (r *GormRepository) CreateConversation(ctx context.Context, conv *Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	prepareConversation(conv, time.Now().UTC())
	// 会话与成员随关联一并写入
	return wrap(r.db.WithContext(ctx).Create(conv).Error, "create conversation")
}

func (r *GormRepository) ConversationIDsForUser(ctx context.Context, userID int64) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&Participant{}).Where("user_id = ?", userID).Pluck("conversation_id", &ids).Error
	return ids, wrap(err, "list conversations")
}

// CreateMessage 事务内写消息、自读记录，推进会话时间
func (r *GormRepository) CreateMessage(ctx context.Context, msg *Message) error {
	prepareMessage(msg)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		if err := tx.Select("id", "last_message_at").First(&conv, "id = ?", msg.ConversationID).Error; err != nil {
			return err
		}
		stampMessage(msg, conv.LastMessageAt)

		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		self := MessageRead{
			MessageID:      msg.ID,
			UserID:         msg.SenderID,
			ConversationID: msg.ConversationID,
			ReadAt:         msg.Timestamp,
		}
		if err := tx.Create(&self).Error; err != nil {
			return err
		}
		return tx.Model(&Conversation{}).Where("id = ?", msg.ConversationID).Updates(map[string]any{
			"last_message_at": msg.Timestamp,
			"updated_at":      msg.Timestamp,
		}).Error
	})
	if err != nil {
		return wrap(err, "create message")
	}
	msg.ReadBy = []int64{msg.SenderID}
	return nil
}

func (r *GormRepository) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	db := r.db.WithContext(ctx)

	var msgs []*Message
	q := db.Where("conversation_id = ?", conversationID).Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, wrap(err, "list messages")
	}
	slices.Reverse(msgs)
	if len(msgs) == 0 {
		return msgs, nil
	}

	ids := make([]string, len(msgs))
	index := make(map[string]*Message, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		index[m.ID] = m
		m.ReadBy = []int64{}
	}
	var reads []MessageRead
	if err := db.Where("message_id IN ?", ids).Order("read_at, user_id").Find(&reads).Error; err != nil {
		return nil, wrap(err, "list reads")
	}
	for _, rd := range reads {
		if m, ok := index[rd.MessageID]; ok {
			m.ReadBy = append(m.ReadBy, rd.UserID)
		}
	}
	return msgs, nil
}

// unread 会话内该用户未读的消息
func unread(db *gorm.DB, conversationID string, userID int64) *gorm.DB {
	readIDs := db.Session(&gorm.Session{NewDB: true}).Model(&MessageRead{}).Select("message_id").Where("user_id = ?", userID)
	return db.Model(&Message{}).
		Where("conversation_id = ?", conversationID).
		Where("id NOT IN (?)", readIDs)
}

func (r *GormRepository) MarkRead(ctx context.Context, conversationID string, userID int64, ids []string) ([]string, error) {
	var marked []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := unread(tx, conversationID, userID)
		if len(ids) > 0 {
			// 不属于该会话的 id 被条件过滤掉
			q = q.Where("id IN ?", ids)
		}
		if err := q.Order("timestamp, id").Pluck("id", &marked).Error; err != nil {
			return err
		}
		if len(marked) == 0 {
			return nil
		}

		now := time.Now().UTC()
		reads := make([]MessageRead, len(marked))
		for i, id := range marked {
			reads[i] = MessageRead{MessageID: id, UserID: userID, ConversationID: conversationID, ReadAt: now}
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(reads, 200).Error
	})
	if err != nil {
		return nil, wrap(err, "mark read")
	}
	return marked, nil
}

func (r *GormRepository) UnreadCount(ctx context.Context, conversationID string, userID int64) (int64, error) {
	var n int64
	err := unread(r.db.WithContext(ctx), conversationID, userID).Count(&n).Error
	return n, wrap(err, "unread count")
}

func (r *GormRepository) RecentContacts(ctx context.Context, userID int64, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 10
	}
	db := r.db.WithContext(ctx)

	var rows []struct {
		SenderID int64
	}
	mine := db.Session(&gorm.Session{NewDB: true}).Model(&Participant{}).Select("conversation_id").Where("user_id = ?", userID)
	err := db.Model(&Message{}).
		Select("sender_id, MAX(timestamp) AS last_at").
		Where("conversation_id IN (?)", mine).
		Where("sender_id <> ?", userID).
		Group("sender_id").
		Order("last_at DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, wrap(err, "recent contacts")
	}

	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.SenderID
	}
	return r.GetUsers(ctx, ids)
}

// prepareConversation 补齐 ID、成员序号与加入时间
func prepareConversation(conv *Conversation, now time.Time) {
	if conv.ID == "" {
		conv.ID = NewConversationID()
	}
	for i := range conv.Participants {
		p := &conv.Participants[i]
		p.ConversationID = conv.ID
		p.Position = i
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
	}
}

// prepareMessage 补齐时间与类型
func prepareMessage(msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Type == "" {
		msg.Type = MessageText
	}
}

// stampMessage 抬平时间戳后再分配 ID，保证 ID 与时间同序
func stampMessage(msg *Message, last *time.Time) {
	msg.Timestamp = clampTimestamp(msg.Timestamp, last)
	if msg.ID == "" {
		msg.ID = NewMessageID(msg.Timestamp)
	}
}

// orderUsers 按 ids 顺序排列
func orderUsers(users []*User, ids []int64) []*User {
	byID := make(map[int64]*User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := make([]*User, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out
}
