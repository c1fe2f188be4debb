package seqsync

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"prosesync/mergeseq/seqop"
)

// BadgerOpLog는 Badger 기반의 영구 OpLog 구현입니다.
// 메시지는 "<prefix>ops/<channel>/" 뒤에 빅엔디안 seq를 붙인 키에 JSON으로 저장됩니다.
type BadgerOpLog struct {
	db     *badger.DB
	prefix string
}

// NewBadgerOpLog는 dbPath에 Badger 로그를 엽니다. dbPath가 비어 있으면 메모리 모드로 엽니다.
func NewBadgerOpLog(dbPath string, prefix string) (*BadgerOpLog, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerOpLog{db: db, prefix: prefix}, nil
}

func (l *BadgerOpLog) channelPrefix(channel string) []byte {
	return []byte(l.prefix + "ops/" + channel + "/")
}

func (l *BadgerOpLog) headKey(channel string) []byte {
	return []byte(l.prefix + "head/" + channel)
}

func (l *BadgerOpLog) messageKey(channel string, seq int64) []byte {
	key := l.channelPrefix(channel)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	return append(key, buf[:]...)
}

func readHead(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var head int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt head value")
		}
		head = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return head, err
}

// Append는 메시지를 추가합니다. 메시지와 head는 하나의 트랜잭션으로 기록됩니다.
func (l *BadgerOpLog) Append(ctx context.Context, channel string, msg *seqop.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return l.db.Update(func(txn *badger.Txn) error {
		head, err := readHead(txn, l.headKey(channel))
		if err != nil {
			return err
		}
		if msg.Seq != head+1 {
			return fmt.Errorf("non-contiguous append to %s: head %d, seq %d", channel, head, msg.Seq)
		}
		if err := txn.Set(l.messageKey(channel, msg.Seq), data); err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(msg.Seq))
		return txn.Set(l.headKey(channel), buf[:])
	})
}

// Read는 from 이후의 메시지를 반환합니다.
func (l *BadgerOpLog) Read(ctx context.Context, channel string, from int64) ([]*seqop.Message, error) {
	if from < 0 {
		from = 0
	}
	var result []*seqop.Message
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = l.channelPrefix(channel)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(l.messageKey(channel, from+1)); it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var msg seqop.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			result = append(result, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Head는 마지막 seq를 반환합니다.
func (l *BadgerOpLog) Head(ctx context.Context, channel string) (int64, error) {
	var head int64
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		head, err = readHead(txn, l.headKey(channel))
		return err
	})
	return head, err
}

// Close는 데이터베이스를 닫습니다.
func (l *BadgerOpLog) Close() error {
	return l.db.Close()
}
