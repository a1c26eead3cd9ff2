package filesync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/wsterm/internal/model"
	"github.com/remote-agent-terminal/wsterm/internal/protocol"
	"github.com/remote-agent-terminal/wsterm/internal/workspace"
)

// DefaultFullContentThreshold is the largest file sent as whole content.
const DefaultFullContentThreshold = 256 * 1024

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	Root string

	// Ignore overrides the rules loaded from Root.
	Ignore *workspace.Ignore

	FullContentThreshold int64
	Logger               *zap.Logger
}

// pendingRecord is a record that was sent, or is about to be, and has not
// been acknowledged.
type pendingRecord struct {
	seq    uint64
	msg    protocol.Record
	effect effect
}

// Producer turns local workspace changes into file-sync records. It keeps
// the snapshot the consumer acknowledged and the records still in flight,
// so that it survives reconnects: unacknowledged records are resent with
// their original sequence numbers.
type Producer struct {
	root      string
	threshold int64
	epoch     string
	log       *zap.Logger

	mu      sync.Mutex
	ignore  *workspace.Ignore
	nextSeq uint64
	// acked is what the consumer confirmed; view is acked plus pending.
	acked   workspace.Snapshot
	view    workspace.Snapshot
	pending []pendingRecord
	dirty   map[string]bool
	forced  map[string]bool
	rescan  bool
	synced  bool
	signal  chan struct{}
	changed chan struct{}
}

// NewProducer creates a Producer for opts.Root with a fresh epoch.
func NewProducer(opts ProducerOptions) (*Producer, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", root)
	}
	ign := opts.Ignore
	if ign == nil {
		if ign, err = workspace.LoadIgnore(root); err != nil {
			return nil, fmt.Errorf("load ignore rules: %w", err)
		}
	}
	threshold := opts.FullContentThreshold
	if threshold <= 0 {
		threshold = DefaultFullContentThreshold
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{
		root:      root,
		threshold: threshold,
		epoch:     uuid.NewString(),
		log:       log.Named("producer"),
		ignore:    ign,
		nextSeq:   1,
		acked:     make(workspace.Snapshot),
		view:      make(workspace.Snapshot),
		dirty:     make(map[string]bool),
		forced:    make(map[string]bool),
		signal:    make(chan struct{}, 1),
		changed:   make(chan struct{}),
	}, nil
}

// Epoch identifies this producer's record stream.
func (p *Producer) Epoch() string {
	return p.epoch
}

// Root returns the absolute workspace root.
func (p *Producer) Root() string {
	return p.root
}

// Ignore returns the current ignore rules.
func (p *Producer) Ignore() *workspace.Ignore {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ignore
}

// Acked returns a copy of the acknowledged snapshot.
func (p *Producer) Acked() workspace.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acked.Clone()
}

// Pending returns the number of unacknowledged records.
func (p *Producer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Notify marks the path of ev for the next diff.
func (p *Producer) Notify(ev workspace.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case ev.Op == workspace.OpRescan:
		p.rescan = true
	case workspace.IsIgnoreFile(ev.Path):
		p.dirty[ev.Path] = true
		if ign, err := workspace.LoadIgnore(p.root); err != nil {
			p.log.Warn("failed to reload ignore rules", zap.Error(err))
		} else {
			p.ignore = ign
			p.rescan = true
		}
	default:
		p.dirty[ev.Path] = true
		if ev.OldPath != "" {
			p.dirty[ev.OldPath] = true
		}
	}
	p.wakeLocked()
}

// Watch feeds the events of w into the producer until the stream ends.
func (p *Producer) Watch(ctx context.Context, w *workspace.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			p.Notify(ev)
			if workspace.IsIgnoreFile(ev.Path) {
				w.SetIgnore(p.Ignore())
			}
		case <-ctx.Done():
			return
		}
	}
}

// WaitIdle blocks until every local change has been sent and acknowledged.
func (p *Producer) WaitIdle(ctx context.Context) error {
	for {
		p.mu.Lock()
		idle := p.synced && len(p.pending) == 0 && len(p.dirty) == 0 && len(p.forced) == 0 && !p.rescan
		changed := p.changed
		p.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run synchronizes over one connection until ctx is canceled or the
// connection fails. The first message must be the consumer's sync-state.
func (p *Producer) Run(ctx context.Context, conn Conn) error {
	p.mu.Lock()
	p.synced = false
	p.mu.Unlock()

	msg, err := recvSync(ctx, conn)
	if err != nil {
		return err
	}
	state, ok := msg.(*protocol.SyncState)
	if !ok {
		return &model.ProtocolError{Detail: fmt.Sprintf("expected sync-state, got %s", msg.Kind())}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ackErr := make(chan error, 1)
	go func() { ackErr <- p.ackLoop(ctx, conn) }()

	if err := p.begin(ctx, conn, state); err != nil {
		return err
	}
	for {
		if err := p.flush(ctx, conn); err != nil {
			return err
		}
		select {
		case <-p.signal:
		case err := <-ackErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// begin resumes the stream the consumer already has, or starts a fresh
// snapshot phase against the consumer's manifest.
func (p *Producer) begin(ctx context.Context, conn Conn, state *protocol.SyncState) error {
	p.mu.Lock()
	if state.HasState && state.Epoch == p.epoch {
		kept := p.pending[:0]
		for _, rec := range p.pending {
			if rec.seq <= state.LastApplied {
				rec.effect.apply(p.acked)
				continue
			}
			kept = append(kept, rec)
		}
		p.pending = kept
		resend := append([]pendingRecord(nil), kept...)
		p.rescan = true
		p.mu.Unlock()

		p.log.Info("resuming file sync",
			zap.Uint64("last_applied", state.LastApplied), zap.Int("resend", len(resend)))
		for _, rec := range resend {
			if err := conn.SendMessage(ctx, protocol.ChannelFileSync, rec.msg); err != nil {
				return err
			}
		}
		p.markSynced()
		return nil
	}

	// Fresh: the consumer's workspace is whatever its manifest says.
	ign := p.ignore
	p.pending = nil
	p.acked = make(workspace.Snapshot, len(state.Manifest))
	for path, entry := range state.Manifest {
		if ign.Match(path, entry.Dir) || ignoredBelow(path, ign) {
			continue
		}
		p.acked[path] = workspace.FileRecord{Path: path, Hash: entry.Hash, Mode: fs.FileMode(entry.Mode).Perm(), Dir: entry.Dir}
	}
	p.view = p.acked.Clone()
	view := p.view.Clone()
	clear(p.dirty)
	clear(p.forced)
	p.rescan = false
	p.mu.Unlock()

	current, err := workspace.Scan(p.root, ign, view)
	if err != nil {
		return fmt.Errorf("scan workspace: %w", err)
	}
	pl := diff(view, current, union(view, current), nil, false)
	p.log.Info("starting snapshot",
		zap.Int("files", len(current)), zap.Int("server_files", len(state.Manifest)), zap.Int("records", pl.size()))

	if err := p.send(ctx, conn, &protocol.SnapshotBegin{Epoch: p.epoch, Count: pl.size()}, effect{}); err != nil {
		return err
	}
	if err := p.sendPlan(ctx, conn, pl, current, nil); err != nil {
		return err
	}
	if err := p.send(ctx, conn, &protocol.SnapshotEnd{}, effect{}); err != nil {
		return err
	}
	p.markSynced()
	return nil
}

// flush diffs the dirty paths, or the whole tree after a rescan request,
// and sends the resulting records.
func (p *Producer) flush(ctx context.Context, conn Conn) error {
	p.mu.Lock()
	if !p.rescan && len(p.dirty) == 0 && len(p.forced) == 0 {
		p.mu.Unlock()
		return nil
	}
	rescan := p.rescan
	dirty := p.dirty
	forced := p.forced
	p.dirty = make(map[string]bool)
	p.forced = make(map[string]bool)
	p.rescan = false
	p.synced = false
	ign := p.ignore
	view := p.view.Clone()
	p.mu.Unlock()

	var current workspace.Snapshot
	var candidates []string
	if rescan {
		var err error
		if current, err = workspace.Scan(p.root, ign, view); err != nil {
			return fmt.Errorf("scan workspace: %w", err)
		}
		for path := range forced {
			if _, ok := current[path]; !ok {
				delete(forced, path)
			}
		}
		candidates = union(view, current)
	} else {
		current = make(workspace.Snapshot)
		seen := make(map[string]bool)
		for path := range dirty {
			seen[path] = true
		}
		for path := range forced {
			seen[path] = true
		}
		for path := range seen {
			rec, ok, err := workspace.Stat(p.root, path, ign, view)
			if err != nil {
				p.log.Warn("failed to stat", zap.String("path", path), zap.Error(err))
				continue
			}
			if ok {
				current[path] = rec
			}
			candidates = append(candidates, path)
		}
		sort.Strings(candidates)
	}

	pl := diff(view, current, candidates, forced, true)
	if pl.empty() {
		p.markSynced()
		return nil
	}
	p.log.Debug("sending changes",
		zap.Int("renames", len(pl.renames)), zap.Int("tombstones", len(pl.tombstones)),
		zap.Int("dirs", len(pl.dirs)), zap.Int("files", len(pl.files)))
	if err := p.sendPlan(ctx, conn, pl, current, forced); err != nil {
		return err
	}
	p.markSynced()
	return nil
}

func (p *Producer) sendPlan(ctx context.Context, conn Conn, pl plan, current workspace.Snapshot, forced map[string]bool) error {
	for _, r := range pl.renames {
		e := effect{kind: effectRename, from: r.from, path: r.to, rec: current[r.to]}
		if err := p.send(ctx, conn, &protocol.Rename{From: r.from, To: r.to}, e); err != nil {
			return err
		}
	}
	for _, path := range pl.tombstones {
		if err := p.send(ctx, conn, &protocol.Tombstone{Path: path}, effect{kind: effectDelete, path: path}); err != nil {
			return err
		}
	}
	for _, rec := range pl.dirs {
		msg := &protocol.Dir{Path: rec.Path, Mode: uint32(rec.Mode.Perm())}
		if err := p.send(ctx, conn, msg, effect{kind: effectPut, rec: rec}); err != nil {
			return err
		}
	}
	for _, rec := range pl.files {
		msg, rec, err := p.fileRecord(rec, forced[rec.Path])
		if errors.Is(err, fs.ErrNotExist) {
			// Deleted since the scan; the watcher reports it.
			p.markDirty(rec.Path)
			continue
		}
		if err != nil {
			p.log.Warn("failed to read file", zap.String("path", rec.Path), zap.Error(err))
			continue
		}
		if err := p.send(ctx, conn, msg, effect{kind: effectPut, rec: rec}); err != nil {
			return err
		}
	}
	return nil
}

// fileRecord reads the file and builds its record: whole content up to the
// threshold, otherwise a chunk list carrying only chunks the consumer may
// not have. full sends every chunk.
func (p *Producer) fileRecord(rec workspace.FileRecord, full bool) (*protocol.File, workspace.FileRecord, error) {
	data, err := os.ReadFile(filepath.Join(p.root, filepath.FromSlash(rec.Path)))
	if err != nil {
		return nil, rec, err
	}
	rec.Hash = workspace.HashBytes(data)
	rec.Size = int64(len(data))
	rec.Chunks = nil

	msg := &protocol.File{
		Path:    rec.Path,
		Hash:    rec.Hash,
		Size:    rec.Size,
		ModTime: rec.ModTime.UnixNano(),
		Mode:    uint32(rec.Mode.Perm()),
	}
	if rec.Size <= p.threshold {
		msg.Content, msg.Encoding = workspace.Encode(data)
		return msg, rec, nil
	}

	base := make(map[string]bool)
	if !full {
		base = p.baseChunks(rec.Path)
	}
	msg.Encoding = protocol.EncodingChunks
	inline := 0
	for _, c := range workspace.Split(data) {
		ref := protocol.ChunkRef{Hash: c.Hash, Size: len(c.Data)}
		if !base[c.Hash] {
			ref.Data, ref.Encoding = workspace.Encode(c.Data)
			base[c.Hash] = true
			inline++
		}
		msg.Chunks = append(msg.Chunks, ref)
		rec.Chunks = append(rec.Chunks, c.Hash)
	}
	p.log.Debug("chunked file",
		zap.String("path", rec.Path), zap.Int("chunks", len(msg.Chunks)), zap.Int("inline", inline))
	return msg, rec, nil
}

// baseChunks returns the chunks the consumer has whether or not the
// records in flight for path have been applied.
func (p *Producer) baseChunks(path string) map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	base := make(map[string]bool)
	acked, ok := p.acked[path]
	if !ok {
		return base
	}
	inView := make(map[string]bool)
	if sent, ok := p.view[path]; ok {
		for _, h := range sent.Chunks {
			inView[h] = true
		}
	}
	for _, h := range acked.Chunks {
		if inView[h] {
			base[h] = true
		}
	}
	return base
}

// send assigns the next sequence number, records msg as pending and
// applies its effect to the view before writing it.
func (p *Producer) send(ctx context.Context, conn Conn, msg protocol.Record, e effect) error {
	p.mu.Lock()
	seq := p.nextSeq
	p.nextSeq++
	switch m := msg.(type) {
	case *protocol.SnapshotBegin:
		m.Seq = seq
	case *protocol.SnapshotEnd:
		m.Seq = seq
	case *protocol.File:
		m.Seq = seq
	case *protocol.Dir:
		m.Seq = seq
	case *protocol.Tombstone:
		m.Seq = seq
	case *protocol.Rename:
		m.Seq = seq
	}
	p.pending = append(p.pending, pendingRecord{seq: seq, msg: msg, effect: e})
	e.apply(p.view)
	p.mu.Unlock()

	return conn.SendMessage(ctx, protocol.ChannelFileSync, msg)
}

func (p *Producer) ackLoop(ctx context.Context, conn Conn) error {
	for {
		msg, err := recvSync(ctx, conn)
		if err != nil {
			return err
		}
		ack, ok := msg.(*protocol.SyncAck)
		if !ok {
			return &model.ProtocolError{Detail: fmt.Sprintf("unexpected %s from consumer", msg.Kind())}
		}
		p.handleAck(ack)
	}
}

// handleAck retires pending records up to ack.Seq. Records before it were
// acknowledged individually; a gap is treated as applied.
func (p *Producer) handleAck(ack *protocol.SyncAck) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.broadcastLocked()

	for len(p.pending) > 0 && p.pending[0].seq <= ack.Seq {
		rec := p.pending[0]
		p.pending = p.pending[1:]

		status := protocol.AckOK
		if rec.seq == ack.Seq {
			status = ack.Status
		}
		path := rec.effect.target()
		switch status {
		case protocol.AckOK:
			rec.effect.apply(p.acked)
		case protocol.AckNeedFull:
			p.log.Info("consumer needs full content", zap.String("path", path), zap.Uint64("seq", rec.seq))
			p.forced[path] = true
			for _, child := range p.view.Under(path) {
				p.forced[child] = true
			}
			if rec.effect.kind == effectRename {
				p.rescan = true
			}
			p.wakeLocked()
		default:
			p.log.Warn("consumer failed to apply record",
				zap.String("path", path), zap.Uint64("seq", rec.seq), zap.String("detail", ack.Detail))
			delete(p.acked, path)
		}
	}
}

func (p *Producer) markDirty(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty[path] = true
	p.wakeLocked()
}

func (p *Producer) markSynced() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synced = true
	p.broadcastLocked()
}

func (p *Producer) wakeLocked() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
	p.broadcastLocked()
}

func (p *Producer) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func union(a, b workspace.Snapshot) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range []workspace.Snapshot{a, b} {
		for path := range s {
			if !seen[path] {
				seen[path] = true
				out = append(out, path)
			}
		}
	}
	sort.Strings(out)
	return out
}

func ignoredBelow(path string, ign *workspace.Ignore) bool {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' && ign.Match(path[:i], true) {
			return true
		}
	}
	return false
}
