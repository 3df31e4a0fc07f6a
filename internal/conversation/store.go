package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sealer encrypts sensitive tool inputs at rest.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// Option configures a Store.
type Option func(*Store)

// WithPolicy sets the compaction policy.
func WithPolicy(p Policy) Option {
	return func(s *Store) { s.policy = p.withDefaults() }
}

// WithSummarizer sets the function producing summary text.
func WithSummarizer(fn SummarizeFunc) Option {
	return func(s *Store) { s.summarize = fn }
}

// WithSealer seals the input of tool_use blocks flagged sensitive.
func WithSealer(sealer Sealer) Option {
	return func(s *Store) { s.sealer = sealer }
}

// Store persists messages and summaries in SQLite.
type Store struct {
	db        *sql.DB
	locks     keyedMutex
	policy    Policy
	summarize SummarizeFunc
	sealer    Sealer
}

// NewStore creates a Store on an already migrated database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, policy: Policy{}.withDefaults()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append writes a message with the next sequence number of the task.
func (s *Store) Append(ctx context.Context, taskID string, role Role, blocks []Block) (*Message, error) {
	stored, err := s.sealBlocks(blocks)
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	unlock := s.locks.lock(taskID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE task_id = ?`, taskID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (task_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, seq, string(role), string(content), now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return &Message{TaskID: taskID, Seq: seq, Role: role, Content: blocks, CreatedAt: now.Truncate(time.Millisecond)}, nil
}

// History returns every message of the task in sequence order.
func (s *Store) History(ctx context.Context, taskID string) ([]*Message, error) {
	return s.messagesAfter(ctx, taskID, 0)
}

// Count returns the number of messages stored for a task.
func (s *Store) Count(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}

// Read returns the latest summary and the messages that follow it.
func (s *Store) Read(ctx context.Context, taskID string) (*View, error) {
	sum, err := s.LatestSummary(ctx, taskID)
	if err != nil {
		return nil, err
	}
	after := 0
	if sum != nil {
		after = sum.ThroughSeq
	}
	msgs, err := s.messagesAfter(ctx, taskID, after)
	if err != nil {
		return nil, err
	}
	return &View{Summary: sum, Messages: msgs}, nil
}

func (s *Store) messagesAfter(ctx context.Context, taskID string, after int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, role, content, created_at FROM messages WHERE task_id = ? AND seq > ? ORDER BY seq`,
		taskID, after)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m       = &Message{TaskID: taskID}
			role    string
			content string
			created int64
		)
		if err := rows.Scan(&m.Seq, &role, &content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.UnixMilli(created).UTC()
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("decode message %s/%d: %w", taskID, m.Seq, err)
		}
		if m.Content, err = s.openBlocks(m.Content); err != nil {
			return nil, fmt.Errorf("open message %s/%d: %w", taskID, m.Seq, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestSummary returns the newest summary of the task, or nil.
func (s *Store) LatestSummary(ctx context.Context, taskID string) (*Summary, error) {
	var (
		sum     = &Summary{TaskID: taskID}
		parent  sql.NullInt64
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, parent_id, through_seq, content, created_at FROM summaries WHERE task_id = ? ORDER BY id DESC LIMIT 1`,
		taskID,
	).Scan(&sum.ID, &parent, &sum.ThroughSeq, &sum.Text, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	sum.ParentID = parent.Int64
	sum.CreatedAt = time.UnixMilli(created).UTC()
	return sum, nil
}

// SaveSummary records a summary covering every message up to throughSeq.
// The new summary's parent is the current latest summary.
func (s *Store) SaveSummary(ctx context.Context, taskID string, throughSeq int, text string) (*Summary, error) {
	unlock := s.locks.lock(taskID)
	defer unlock()

	prev, err := s.LatestSummary(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var parent sql.NullInt64
	if prev != nil {
		if throughSeq <= prev.ThroughSeq {
			return nil, fmt.Errorf("summary through seq %d does not advance past %d", throughSeq, prev.ThroughSeq)
		}
		parent = sql.NullInt64{Int64: prev.ID, Valid: true}
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (task_id, parent_id, through_seq, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, parent, throughSeq, text, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Summary{ID: id, TaskID: taskID, ParentID: parent.Int64, ThroughSeq: throughSeq, Text: text, CreatedAt: now.Truncate(time.Millisecond)}, nil
}

// MaybeCompact summarizes older messages when the view exceeds the policy.
// A summarizer failure skips the compaction and is only logged.
func (s *Store) MaybeCompact(ctx context.Context, taskID string) (bool, error) {
	if s.summarize == nil {
		return false, nil
	}
	view, err := s.Read(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !s.policy.needsCompaction(view) {
		return false, nil
	}

	cut := s.policy.findCut(view.Messages)
	if cut <= 0 {
		slog.Debug("compaction triggered but no safe cut", "task_id", taskID, "messages", len(view.Messages))
		return false, nil
	}
	old := view.Messages[:cut]

	slog.Info("conversation compaction triggered",
		"task_id", taskID,
		"messages", len(view.Messages),
		"estimated_tokens", s.policy.ViewTokens(view),
		"summarized", len(old),
	)

	text, err := s.summarize(ctx, buildSummarizePrompt(view.Summary, old))
	if err != nil {
		slog.Warn("summarization failed, compaction skipped", "task_id", taskID, "error", err)
		return false, nil
	}
	if text == "" {
		slog.Warn("summarization returned empty text, compaction skipped", "task_id", taskID)
		return false, nil
	}

	if _, err := s.SaveSummary(ctx, taskID, old[len(old)-1].Seq, text); err != nil {
		return false, err
	}
	slog.Info("conversation compaction complete",
		"task_id", taskID,
		"through_seq", old[len(old)-1].Seq,
		"preserved", len(view.Messages)-cut,
	)
	return true, nil
}

// Delete removes every message and summary of a task. It is meant for
// retention tooling, never for the processing loop.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	unlock := s.locks.lock(taskID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

// sealBlocks returns a copy of blocks with sensitive tool inputs sealed.
func (s *Store) sealBlocks(blocks []Block) ([]Block, error) {
	if s.sealer == nil {
		return blocks, nil
	}
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = b
		if b.Type != BlockToolUse || b.ToolUse == nil || !b.ToolUse.Sensitive {
			continue
		}
		sealed, err := s.sealer.Seal(b.ToolUse.Input)
		if err != nil {
			return nil, fmt.Errorf("seal tool input: %w", err)
		}
		raw, _ := json.Marshal(sealed)
		tu := *b.ToolUse
		tu.Input = raw
		out[i].ToolUse = &tu
	}
	return out, nil
}

// openBlocks reverses sealBlocks in place.
func (s *Store) openBlocks(blocks []Block) ([]Block, error) {
	for i, b := range blocks {
		if b.Type != BlockToolUse || b.ToolUse == nil || !b.ToolUse.Sensitive {
			continue
		}
		var sealed string
		if json.Unmarshal(b.ToolUse.Input, &sealed) != nil {
			continue // stored in clear
		}
		if s.sealer == nil {
			return nil, errors.New("sealed tool input but no sealer configured")
		}
		plain, err := s.sealer.Open(sealed)
		if err != nil {
			return nil, err
		}
		blocks[i].ToolUse.Input = json.RawMessage(plain)
	}
	return blocks, nil
}

// keyedMutex serialises work per key without a lock across keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
