package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Tyrowin/lifesync/internal/chat"
)

// ErrSelfChat is returned when a private chat is requested with oneself.
var ErrSelfChat = errors.New("store: private chat needs two distinct identities")

// Room loads a chat room and its participants.
func (s *Store) Room(ctx context.Context, roomID string) (chat.Room, error) {
	var (
		room      chat.Room
		kind      string
		lastID    sql.NullString
		lastAt    sql.NullInt64
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, last_message_id, last_message_at, created_at FROM chat_rooms WHERE id = ?`,
		roomID,
	).Scan(&room.ID, &kind, &lastID, &lastAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Room{}, fmt.Errorf("%w: %s", chat.ErrRoomNotFound, roomID)
	}
	if err != nil {
		return chat.Room{}, fmt.Errorf("load room %s: %w", roomID, err)
	}
	room.Kind = chat.Kind(kind)
	room.LastMessageID = lastID.String
	if lastAt.Valid {
		room.LastMessageAt = fromMicros(lastAt.Int64)
	}
	room.CreatedAt = fromMicros(createdAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM chat_participants WHERE room_id = ? ORDER BY user_id`, roomID)
	if err != nil {
		return chat.Room{}, fmt.Errorf("load participants %s: %w", roomID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return chat.Room{}, err
		}
		room.Participants = append(room.Participants, uid)
	}
	return room, rows.Err()
}

// AppendMessage inserts msg and moves the room's last-message pointer in one
// transaction.
func (s *Store) AppendMessage(ctx context.Context, msg chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createdAt := toMicros(msg.CreatedAt)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, room_id, sender_id, sender_name, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.SenderName, msg.Content, createdAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE chat_rooms SET last_message_id = ?, last_message_at = ? WHERE id = ?`,
		msg.ID, createdAt, msg.RoomID)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", chat.ErrRoomNotFound, msg.RoomID)
	}
	return tx.Commit()
}

// Messages returns up to limit of the most recent messages of roomID in
// append order.
func (s *Store) Messages(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, sender_name, content, created_at FROM (
			SELECT seq, id, room_id, sender_id, sender_name, content, created_at
			FROM chat_messages WHERE room_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m  chat.Message
			at int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Content, &at); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMicros(at)
		out = append(out, m)
	}
	return out, rows.Err()
}

// PrivateRoom returns the private room between a and b, creating it with
// exactly those two participants if it does not exist yet.
func (s *Store) PrivateRoom(ctx context.Context, a, b string) (chat.Room, error) {
	if a == "" || b == "" || a == b {
		return chat.Room{}, ErrSelfChat
	}
	key := pairKey(a, b)

	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM chat_rooms WHERE pair_key = ?`, key).Scan(&id)
	switch {
	case err == nil:
		return s.Room(ctx, id)
	case !errors.Is(err, sql.ErrNoRows):
		return chat.Room{}, fmt.Errorf("find private room: %w", err)
	}

	id = uuid.NewString()
	now := toMicros(s.now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Room{}, fmt.Errorf("begin private room: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_rooms (id, kind, pair_key, created_at) VALUES (?, 'private', ?, ?)`,
		id, key, now); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			return s.PrivateRoom(ctx, a, b)
		}
		return chat.Room{}, fmt.Errorf("insert private room: %w", err)
	}
	for _, uid := range []string{a, b} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_participants (room_id, user_id, joined_at) VALUES (?, ?, ?)`,
			id, uid, now); err != nil {
			return chat.Room{}, fmt.Errorf("insert participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return chat.Room{}, fmt.Errorf("commit private room: %w", err)
	}
	return s.Room(ctx, id)
}

// RoomsFor lists the rooms userID can use: the global room first, then its
// private rooms by most recent activity.
func (s *Store) RoomsFor(ctx context.Context, userID string) ([]chat.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id FROM chat_rooms r
		WHERE r.kind = 'group'
		   OR r.id IN (SELECT room_id FROM chat_participants WHERE user_id = ?)
		ORDER BY CASE r.kind WHEN 'group' THEN 0 ELSE 1 END,
		         COALESCE(r.last_message_at, r.created_at) DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]chat.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.Room(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, nil
}

var _ chat.Store = (*Store)(nil)
