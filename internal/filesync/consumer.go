package filesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/internal/metrics"
	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/protocol"
	"github.com/remote-agent-terminal/wsterm/internal/workspace"
)

// StateStore persists the last applied record per workspace.
// *repository.SyncStateRepository implements it.
type StateStore interface {
	Get(ctx context.Context, workspaceID string) (*model.SyncState, error)
	Put(ctx context.Context, workspaceID, epoch string, lastApplied uint64) error
}

// Consumer applies file-sync records to the server copy of a workspace.
type Consumer struct {
	applier     *workspace.Applier
	store       StateStore
	workspaceID string
	log         *zap.Logger

	epoch       string
	lastApplied uint64
}

// NewConsumer creates a Consumer for one workspace.
func NewConsumer(applier *workspace.Applier, store StateStore, workspaceID string, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		applier:     applier,
		store:       store,
		workspaceID: workspaceID,
		log:         log.Named("consumer").With(zap.String("workspace", workspaceID)),
	}
}

// LastApplied returns the sequence number of the last applied record.
func (c *Consumer) LastApplied() uint64 {
	return c.lastApplied
}

// Run announces the consumer's state for the producer stream epoch and
// applies records until ctx is canceled or the connection fails.
func (c *Consumer) Run(ctx context.Context, conn Conn, epoch string) error {
	state, err := c.store.Get(ctx, c.workspaceID)
	switch {
	case errors.Is(err, model.ErrSyncStateNotFound):
		state = &model.SyncState{WorkspaceID: c.workspaceID}
	case err != nil:
		return fmt.Errorf("load sync state: %w", err)
	}
	if err := c.applier.CleanTemp(); err != nil {
		c.log.Warn("failed to remove temporary files", zap.Error(err))
	}

	msg := &protocol.SyncState{Epoch: epoch}
	if state.Epoch == epoch && epoch != "" {
		c.epoch, c.lastApplied = epoch, state.LastApplied
		msg.HasState, msg.LastApplied = true, state.LastApplied
	} else {
		c.epoch, c.lastApplied = epoch, 0
		manifest, err := c.applier.Manifest()
		if err != nil {
			return fmt.Errorf("scan server workspace: %w", err)
		}
		msg.Manifest = make(map[string]protocol.ManifestEntry, len(manifest))
		for path, rec := range manifest {
			msg.Manifest[path] = protocol.ManifestEntry{Hash: rec.Hash, Mode: uint32(rec.Mode.Perm()), Dir: rec.Dir}
		}
	}
	c.log.Info("file sync starting",
		zap.Bool("has_state", msg.HasState), zap.Uint64("last_applied", msg.LastApplied), zap.Int("manifest", len(msg.Manifest)))
	if err := conn.SendMessage(ctx, protocol.ChannelFileSync, msg); err != nil {
		return err
	}

	for {
		m, err := recvSync(ctx, conn)
		if err != nil {
			return err
		}
		rec, ok := m.(protocol.Record)
		if !ok {
			return &model.ProtocolError{Detail: fmt.Sprintf("unexpected %s from producer", m.Kind())}
		}
		ack, err := c.Apply(ctx, rec)
		if err != nil {
			return err
		}
		if err := conn.SendMessage(ctx, protocol.ChannelFileSync, ack); err != nil {
			return err
		}
	}
}

// Apply applies one record and returns its acknowledgment. Records at or
// below the last applied sequence are acknowledged without being applied.
// The returned error is non-nil only when the state could not be persisted.
func (c *Consumer) Apply(ctx context.Context, rec protocol.Record) (*protocol.SyncAck, error) {
	seq := rec.RecordSeq()
	kind := string(rec.Kind())
	if seq <= c.lastApplied {
		metrics.RecordApplied(kind, "skipped")
		return &protocol.SyncAck{Seq: seq, Status: protocol.AckOK}, nil
	}

	ack := &protocol.SyncAck{Seq: seq, Status: protocol.AckOK}
	if err := c.apply(rec); err != nil {
		syncErr := &model.FileSyncError{Path: protocol.RecordPath(rec), Seq: seq, Err: err}
		ack.Detail = syncErr.Error()
		if errors.Is(err, errNeedFull) {
			ack.Status = protocol.AckNeedFull
			c.log.Info("record needs full content", zap.Uint64("seq", seq), zap.String("path", syncErr.Path))
		} else {
			ack.Status = protocol.AckFailed
			c.log.Warn("failed to apply record", zap.Error(syncErr))
		}
	}

	if err := c.store.Put(ctx, c.workspaceID, c.epoch, seq); err != nil {
		return nil, fmt.Errorf("persist sync state: %w", err)
	}
	c.lastApplied = seq
	metrics.RecordApplied(kind, string(ack.Status))
	return ack, nil
}

func (c *Consumer) apply(rec protocol.Record) error {
	switch m := rec.(type) {
	case *protocol.SnapshotBegin:
		if m.Epoch != c.epoch {
			c.log.Warn("snapshot epoch mismatch", zap.String("got", m.Epoch), zap.String("want", c.epoch))
		}
		c.log.Debug("snapshot begin", zap.Int("records", m.Count))
		return nil
	case *protocol.SnapshotEnd:
		c.log.Debug("snapshot end", zap.Uint64("seq", m.Seq))
		return nil
	case *protocol.Dir:
		return c.applier.Mkdir(m.Path, fs.FileMode(m.Mode))
	case *protocol.Tombstone:
		return c.applier.Remove(m.Path)
	case *protocol.Rename:
		err := c.applier.Rename(m.From, m.To)
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: rename source %s missing", errNeedFull, m.From)
		}
		return err
	case *protocol.File:
		data, err := c.content(m)
		if err != nil {
			return err
		}
		return c.applier.WriteFile(m.Path, data, fs.FileMode(m.Mode), time.Unix(0, m.ModTime))
	default:
		return fmt.Errorf("unsupported record %s", rec.Kind())
	}
}

// content reconstructs and verifies the file content of m.
func (c *Consumer) content(m *protocol.File) ([]byte, error) {
	if m.Size < 0 {
		return nil, fmt.Errorf("negative size %d", m.Size)
	}
	if m.Encoding != protocol.EncodingChunks {
		data, err := workspace.Decode(m.Content, m.Encoding, int(m.Size))
		if err != nil {
			return nil, err
		}
		if workspace.HashBytes(data) != m.Hash {
			return nil, errors.New("content hash mismatch")
		}
		return data, nil
	}

	// Chunks without data come from the current copy of the file.
	known := make(map[string][]byte)
	if old, err := c.applier.ReadFile(m.Path); err == nil {
		for _, ch := range workspace.Split(old) {
			known[ch.Hash] = ch.Data
		}
	}
	var buf bytes.Buffer
	buf.Grow(int(m.Size))
	for i, ref := range m.Chunks {
		part, ok := known[ref.Hash]
		if ref.Data != nil {
			data, err := workspace.Decode(ref.Data, ref.Encoding, ref.Size)
			if err != nil {
				return nil, fmt.Errorf("chunk %d: %w", i, err)
			}
			if workspace.HashChunk(data) != ref.Hash {
				return nil, fmt.Errorf("chunk %d: hash mismatch", i)
			}
			part, ok = data, true
			known[ref.Hash] = data
		}
		if !ok {
			return nil, fmt.Errorf("%w: chunk %s", errNeedFull, ref.Hash)
		}
		buf.Write(part)
	}
	if int64(buf.Len()) != m.Size || workspace.HashBytes(buf.Bytes()) != m.Hash {
		return nil, fmt.Errorf("%w: reassembled content does not match", errNeedFull)
	}
	return buf.Bytes(), nil
}
