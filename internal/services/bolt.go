package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB persists chats and their messages in a BoltDB file. Records are keyed by a per-bucket
// sequence, so iteration order is insertion order, and an index bucket maps record IDs to their keys.
type BoltDB struct {
	db *bolt.DB

	maxChats int
}

// ErrChatNotFound is returned for an unknown chat ID.
var ErrChatNotFound = models.ErrChatNotFound

var (
	chatsBucket        = []byte("chats")
	chatIndexBucket    = []byte("chat-index")
	messagesBucket     = []byte("messages")
	messageIndexBucket = []byte("message-index")
)

// NewBoltDB opens, or creates with 0600 permissions, the database at path. When maxChats is positive,
// adding a chat beyond that count deletes the oldest chats together with their messages.
func NewBoltDB(path string, maxChats int) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{chatsBucket, chatIndexBucket, messagesBucket, messageIndexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db, maxChats: maxChats}, nil
}

// Close closes the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Chats retrieves all stored chats, newest first.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(chats)
	return chats, nil
}

// Chat returns the chat with the given ID, or ErrChatNotFound.
func (b BoltDB) Chat(_ context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(chatIndexBucket).Get([]byte(chatID))
		if key == nil {
			return ErrChatNotFound
		}
		v := tx.Bucket(chatsBucket).Get(key)
		if v == nil {
			return ErrChatNotFound
		}
		if err := json.Unmarshal(v, &chat); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}
		return nil
	})
	return chat, err
}

// AddChat stores a new chat and enforces the chat limit.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		chats := tx.Bucket(chatsBucket)
		index := tx.Bucket(chatIndexBucket)

		if index.Get([]byte(chat.ID)) != nil {
			return fmt.Errorf("chat %s already exists", chat.ID)
		}

		seq, err := chats.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		key := seqKey(seq)

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		if err := chats.Put(key, v); err != nil {
			return err
		}
		if err := index.Put([]byte(chat.ID), key); err != nil {
			return err
		}

		return b.evictChats(tx)
	})
}

func (b BoltDB) evictChats(tx *bolt.Tx) error {
	if b.maxChats <= 0 {
		return nil
	}

	chats := tx.Bucket(chatsBucket)
	count := 0
	if err := chats.ForEach(func(_, _ []byte) error {
		count++
		return nil
	}); err != nil {
		return err
	}
	excess := count - b.maxChats
	if excess <= 0 {
		return nil
	}

	var oldest []models.Chat
	var keys [][]byte
	c := chats.Cursor()
	for k, v := c.First(); k != nil && len(keys) < excess; k, v = c.Next() {
		var chat models.Chat
		if err := json.Unmarshal(v, &chat); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}
		oldest = append(oldest, chat)
		keys = append(keys, slices.Clone(k))
	}

	for i, chat := range oldest {
		if err := chats.Delete(keys[i]); err != nil {
			return err
		}
		if err := tx.Bucket(chatIndexBucket).Delete([]byte(chat.ID)); err != nil {
			return err
		}
		if err := deleteNested(tx.Bucket(messagesBucket), chat.ID); err != nil {
			return err
		}
		if err := deleteNested(tx.Bucket(messageIndexBucket), chat.ID); err != nil {
			return err
		}
	}
	return nil
}

func deleteNested(parent *bolt.Bucket, name string) error {
	if parent.Bucket([]byte(name)) == nil {
		return nil
	}
	return parent.DeleteBucket([]byte(name))
}

// UpdateChat modifies an existing chat record in the database. If the chat doesn't exist, the
// operation is silently ignored.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(chatIndexBucket).Get([]byte(chat.ID))
		if key == nil {
			return nil
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return tx.Bucket(chatsBucket).Put(key, v)
	})
}

// Messages retrieves all messages of the chat in the order they were added.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messagesBucket).Bucket([]byte(chatID))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends message to the chat.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists([]byte(chatID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		index, err := tx.Bucket(messageIndexBucket).CreateBucketIfNotExists([]byte(chatID))
		if err != nil {
			return fmt.Errorf("failed to create message index bucket: %w", err)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		key := seqKey(seq)

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := bucket.Put(key, v); err != nil {
			return err
		}
		return index.Put([]byte(message.ID), key)
	})
}

// UpdateMessage replaces the stored message with the same ID. If the message doesn't exist, the
// operation is silently ignored.
func (b BoltDB) UpdateMessage(_ context.Context, chatID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messagesBucket).Bucket([]byte(chatID))
		index := tx.Bucket(messageIndexBucket).Bucket([]byte(chatID))
		if bucket == nil || index == nil {
			return nil
		}

		key := index.Get([]byte(message.ID))
		if key == nil {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bucket.Put(key, v)
	})
}

// TruncateMessages deletes the message fromID and every message added after it.
func (b BoltDB) TruncateMessages(_ context.Context, chatID string, fromID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messagesBucket).Bucket([]byte(chatID))
		index := tx.Bucket(messageIndexBucket).Bucket([]byte(chatID))
		if bucket == nil || index == nil {
			return nil
		}

		from := index.Get([]byte(fromID))
		if from == nil {
			return nil
		}

		var keys [][]byte
		var ids []string
		c := bucket.Cursor()
		for k, v := c.Seek(from); k != nil; k, v = c.Next() {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			keys = append(keys, slices.Clone(k))
			ids = append(ids, message.ID)
		}

		for i := range keys {
			if err := bucket.Delete(keys[i]); err != nil {
				return err
			}
			if err := index.Delete([]byte(ids[i])); err != nil {
				return err
			}
		}
		return nil
	})
}
