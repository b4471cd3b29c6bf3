package hub

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"noteshare/internal/cache"
	"noteshare/internal/store"
	"noteshare/internal/ycrdt"
)

type docState int

const (
	stateLoading docState = iota
	stateReady
	stateDraining
	stateGone
)

// Actor mailbox messages.
type attachMsg struct {
	peer  *Peer
	reply chan error
}

type detachMsg struct {
	peer *Peer
}

type frameMsg struct {
	peer *Peer
	data []byte
}

var (
	// errLoadFailed rejects attaches when the document could not be loaded.
	errLoadFailed = errors.New("document load failed")

	// errOverloaded rejects attaches when the instance is at capacity.
	errOverloaded = errors.New("instance overloaded, retry later")
)

// saveBackoff is the retry schedule for failed persistence writes.
var saveBackoff = []time.Duration{
	time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 30 * time.Second,
}

// LiveDoc is the single-owner actor for one actively edited document. All
// replica and roster mutations flow through its mailbox; no locks guard the
// replica itself.
type LiveDoc struct {
	id  string
	hub *Hub

	doc       *ycrdt.Doc
	state     docState
	peers     map[*Peer]struct{}
	awareness *Awareness
	dirty     bool

	sub      cache.Subscription
	fanoutCh <-chan cache.Message

	mailbox chan any
	// closed is closed when the actor exits; senders select on it so they
	// never wedge against a gone actor.
	closed chan struct{}

	debounceTimer *time.Timer
	drainTimer    *time.Timer
	saveAttempt   int

	logger *zap.Logger
}

func newLiveDoc(id string, h *Hub) *LiveDoc {
	return &LiveDoc{
		id:        id,
		hub:       h,
		doc:       ycrdt.NewDoc(),
		state:     stateLoading,
		peers:     make(map[*Peer]struct{}),
		awareness: NewAwareness(),
		mailbox:   make(chan any, 64),
		closed:    make(chan struct{}),
		logger:    h.logger.With(zap.String("doc_id", id)),
	}
}

// post delivers a mailbox message unless the actor has exited.
func (ld *LiveDoc) post(m any) bool {
	select {
	case ld.mailbox <- m:
		return true
	case <-ld.closed:
		return false
	}
}

// attach registers a peer and waits for the initial sync to be queued.
func (ld *LiveDoc) attach(p *Peer) error {
	reply := make(chan error, 1)
	if !ld.post(attachMsg{peer: p, reply: reply}) {
		return errLoadFailed
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(30 * time.Second):
		return errLoadFailed
	}
}

func (ld *LiveDoc) detach(p *Peer) {
	ld.post(detachMsg{peer: p})
}

// clientFrame hands an inbound frame to the actor. Returns false when the
// actor is gone and the reader should stop.
func (ld *LiveDoc) clientFrame(p *Peer, data []byte) bool {
	select {
	case ld.mailbox <- frameMsg{peer: p, data: data}:
		return true
	case <-ld.closed:
		return false
	case <-p.done:
		return false
	}
}

// run is the actor loop. It loads the document, serves peers, and tears the
// document down after the drain grace expires.
func (ld *LiveDoc) run() {
	defer func() {
		ld.state = stateGone
		ld.hub.remove(ld.id, ld)
		close(ld.closed)
		// Attaches that raced the teardown get a definitive answer and
		// retry against a fresh live document.
		ld.rejectPending()
		if ld.sub != nil {
			_ = ld.sub.Close()
		}
		ld.hub.wg.Done()
	}()

	if err := ld.load(); err != nil {
		ld.logger.Error("Live document load failed", zap.Error(err))
		return
	}
	ld.state = stateReady

	gcTicker := time.NewTicker(maxDuration(ld.hub.cfg.AwarenessTimeout/2, time.Second))
	defer gcTicker.Stop()

	// Nobody attached yet counts as draining from the start, so an attach
	// that was aborted before the load finished cannot leak the actor.
	ld.startDrain()

	for {
		var debounceC, drainC <-chan time.Time
		if ld.debounceTimer != nil {
			debounceC = ld.debounceTimer.C
		}
		if ld.drainTimer != nil {
			drainC = ld.drainTimer.C
		}

		select {
		case m := <-ld.mailbox:
			switch msg := m.(type) {
			case attachMsg:
				ld.handleAttach(msg)
			case detachMsg:
				ld.handleDetach(msg.peer)
			case frameMsg:
				ld.handleFrame(msg.peer, msg.data)
			}
		case fm, ok := <-ld.fanoutCh:
			if !ok {
				// Cache outage: keep serving local peers; cross-instance
				// fan-out resumes only with a fresh live document.
				ld.logger.Warn("Fanout subscription ended")
				ld.fanoutCh = nil
				continue
			}
			ld.handleFanout(fm)
		case <-debounceC:
			ld.debounceTimer = nil
			ld.persist(false)
		case <-drainC:
			ld.drainTimer = nil
			if ld.teardown() {
				return
			}
		case <-gcTicker.C:
			ld.gcAwareness()
		case <-ld.hub.shutdown:
			ld.handleShutdown()
			return
		}
	}
}

// load brings the replica up from the hot cache or the store, creating a
// blank document row when the id has never been shared.
func (ld *LiveDoc) load() error {
	ctx := context.Background()
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}

		state, err := ld.hub.coord.GetState(ctx, ld.id)
		if err != nil {
			if !errors.Is(err, cache.ErrCacheMiss) {
				ld.logger.Warn("Hot cache read failed", zap.Error(err))
			}
			state, err = ld.hub.store.LoadCRDT(ctx, ld.id)
			if errors.Is(err, store.ErrNotFound) {
				if err = ld.createBlankRow(ctx); err != nil {
					lastErr = err
					continue
				}
				state = nil
			} else if err != nil {
				lastErr = err
				continue
			}
		}

		if len(state) > 0 {
			if err := ld.doc.ApplyUpdate(state); err != nil {
				// A corrupt snapshot must not brick the document forever:
				// start from the empty replica and let clients resync.
				ld.logger.Error("Stored CRDT state is corrupt, starting empty", zap.Error(err))
				ld.doc = ycrdt.NewDoc()
			}
		}

		sub, err := ld.hub.coord.Subscribe(ctx, ld.id)
		if err != nil {
			// Degraded mode: local peers still collaborate.
			ld.logger.Warn("Fanout subscribe failed, serving locally only", zap.Error(err))
		} else {
			ld.sub = sub
			ld.fanoutCh = sub.C()
		}
		return nil
	}
	return lastErr
}

func (ld *LiveDoc) createBlankRow(ctx context.Context) error {
	now := time.Now().UTC()
	err := ld.hub.store.Create(ctx, &store.Document{
		ID:         ld.id,
		Title:      "Untitled",
		Markdown:   "",
		RenderMode: store.RenderModeMarkdown,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if errors.Is(err, store.ErrIDConflict) {
		// Lost the race against a share API create; the row exists now.
		return nil
	}
	return err
}

// rejectPending answers queued attaches with a load failure.
func (ld *LiveDoc) rejectPending() {
	for {
		select {
		case m := <-ld.mailbox:
			if att, ok := m.(attachMsg); ok {
				att.peer.enqueue(encodeAuthDenied("document unavailable"))
				att.reply <- errLoadFailed
			}
		default:
			return
		}
	}
}

func (ld *LiveDoc) handleAttach(msg attachMsg) {
	p := msg.peer
	ld.peers[p] = struct{}{}
	if ld.state == stateDraining {
		ld.stopDrain()
	}
	ld.state = stateReady

	// Initial sync: handshake outcome, then our state vector, then the
	// current presence roster. All queued before any later broadcast so the
	// new peer never sees an update it cannot apply.
	p.enqueue(encodeAuthGranted())
	p.enqueue(encodeSyncStep1(ld.doc.StateVector().Encode()))
	p.enqueue(encodeSyncStep2(ld.doc.Snapshot()))
	if roster := ld.awareness.SnapshotUpdate(); roster != nil {
		p.enqueue(encodeAwareness(roster))
	}

	ld.logger.Info("Peer attached",
		zap.String("peer_id", p.ID),
		zap.Int("peers", len(ld.peers)))
	msg.reply <- nil
}

func (ld *LiveDoc) handleDetach(p *Peer) {
	if _, ok := ld.peers[p]; !ok {
		return
	}
	delete(ld.peers, p)

	// Announce the departure to surviving peers and to other instances.
	ids := make([]uint64, 0, len(p.awarenessIDs))
	for id := range p.awarenessIDs {
		ids = append(ids, id)
	}
	if removal := ld.awareness.RemovalUpdate(ids); removal != nil {
		ld.broadcast(encodeAwareness(removal), nil)
		ld.publish(cache.KindAwareness, removal)
	}

	ld.logger.Info("Peer detached",
		zap.String("peer_id", p.ID),
		zap.Int("peers", len(ld.peers)))

	if len(ld.peers) == 0 {
		ld.startDrain()
	}
}

func (ld *LiveDoc) handleFrame(p *Peer, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		ld.logger.Warn("Malformed frame",
			zap.String("peer_id", p.ID),
			zap.Error(err))
		ld.dropPeer(p, closeProtocolError, "malformed frame")
		return
	}

	switch frame.Type {
	case messageSync:
		ld.handleSyncFrame(p, frame)
	case messageAwareness:
		ld.handleAwarenessFrame(p, frame.Payload)
	case messageQueryAwareness:
		if roster := ld.awareness.SnapshotUpdate(); roster != nil {
			ld.sendTo(p, encodeAwareness(roster))
		}
	case messageAuth:
		// Clients have nothing to prove in the anonymous policy.
	default:
		p.unknownTags++
		if p.unknownTags > 100 {
			ld.dropPeer(p, closeProtocolError, "too many unknown frames")
		}
	}
}

func (ld *LiveDoc) handleSyncFrame(p *Peer, frame Frame) {
	switch frame.SubType {
	case syncStep1:
		sv, err := ycrdt.DecodeStateVector(frame.Payload)
		if err != nil {
			ld.dropPeer(p, closeProtocolError, "malformed state vector")
			return
		}
		ld.sendTo(p, encodeSyncStep2(ld.doc.EncodeStateAsUpdate(sv)))

	case syncStep2, syncUpdate:
		// Step2 frames carry full ApplyUpdate payloads just like updates, so
		// they count against the same budget.
		if !p.limiter.Allow() {
			p.violations++
			if p.violations > maxProtocolViolations {
				ld.dropPeer(p, closeProtocolError, "update rate limit exceeded")
			}
			return
		}
		if ld.hub.cfg.MaxReplicaBytes > 0 && ld.doc.ApproxSize() > ld.hub.cfg.MaxReplicaBytes {
			// Document hit its memory ceiling: existing peers stay
			// connected read-only until the document is compacted.
			ld.sendTo(p, encodeAuthDenied("document size limit reached"))
			ld.logger.Error("Replica memory ceiling hit, rejecting edits")
			return
		}
		if err := ld.doc.ApplyUpdate(frame.Payload); err != nil {
			ld.dropPeer(p, closeProtocolError, "malformed update")
			return
		}
		ld.broadcast(encodeSyncUpdate(frame.Payload), p)
		ld.publish(cache.KindCRDTUpdate, frame.Payload)
		ld.markDirty()
	}
}

func (ld *LiveDoc) handleAwarenessFrame(p *Peer, payload []byte) {
	changed, err := ld.awareness.ApplyUpdate(payload)
	if err != nil {
		ld.dropPeer(p, closeProtocolError, "malformed awareness update")
		return
	}
	for _, id := range changed {
		p.awarenessIDs[id] = struct{}{}
	}
	ld.broadcast(encodeAwareness(payload), p)
	ld.publish(cache.KindAwareness, payload)
}

func (ld *LiveDoc) handleFanout(m cache.Message) {
	if m.Origin == ld.hub.instanceID {
		return
	}
	switch m.Kind {
	case cache.KindCRDTUpdate:
		if err := ld.doc.ApplyUpdate(m.Payload); err != nil {
			ld.logger.Warn("Dropping malformed fanout update", zap.Error(err))
			return
		}
		ld.broadcast(encodeSyncUpdate(m.Payload), nil)
	case cache.KindAwareness:
		if _, err := ld.awareness.ApplyUpdate(m.Payload); err != nil {
			ld.logger.Warn("Dropping malformed fanout awareness", zap.Error(err))
			return
		}
		ld.broadcast(encodeAwareness(m.Payload), nil)
	}
}

// broadcast queues msg on every attached peer except skip. Peers whose send
// queue is full are dropped rather than stalling the actor.
func (ld *LiveDoc) broadcast(msg []byte, skip *Peer) {
	var overflowed []*Peer
	for p := range ld.peers {
		if p == skip {
			continue
		}
		if !p.enqueue(msg) {
			overflowed = append(overflowed, p)
		}
	}
	for _, p := range overflowed {
		ld.logger.Warn("Dropping slow peer", zap.String("peer_id", p.ID))
		ld.dropPeer(p, closeOverloaded, "send queue overflow")
	}
}

func (ld *LiveDoc) sendTo(p *Peer, msg []byte) {
	if !p.enqueue(msg) {
		ld.logger.Warn("Dropping slow peer", zap.String("peer_id", p.ID))
		ld.dropPeer(p, closeOverloaded, "send queue overflow")
	}
}

// dropPeer disconnects a peer and processes its departure immediately.
func (ld *LiveDoc) dropPeer(p *Peer, code int, reason string) {
	p.close(code, reason)
	ld.handleDetach(p)
}

func (ld *LiveDoc) publish(kind uint8, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := ld.hub.coord.Publish(ctx, ld.id, cache.Message{
		Kind:    kind,
		Origin:  ld.hub.instanceID,
		Payload: payload,
	})
	if err != nil {
		// Best effort: peers on other instances reconcile through a full
		// sync once the cache recovers.
		ld.logger.Warn("Fanout publish failed", zap.Error(err))
	}
}

func (ld *LiveDoc) markDirty() {
	ld.dirty = true
	if ld.debounceTimer == nil {
		ld.debounceTimer = time.NewTimer(ld.hub.cfg.PersistenceDebounce)
	}
}

// persist snapshots the replica and writes it through. On failure the timer
// is re-armed on an exponential backoff; dirty state is never discarded.
func (ld *LiveDoc) persist(synchronous bool) {
	if !ld.dirty {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snapshot := ld.doc.Snapshot()
	err := ld.hub.store.SaveCRDT(ctx, ld.id, snapshot, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		// The share was deleted while being edited; the remaining session
		// keeps running but nothing is written back.
		ld.logger.Info("Document row gone, discarding dirty state")
		ld.dirty = false
		return
	}
	if err != nil {
		backoff := saveBackoff[minInt(ld.saveAttempt, len(saveBackoff)-1)]
		ld.saveAttempt++
		ld.logger.Warn("Persistence failed, retrying",
			zap.Int("attempt", ld.saveAttempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if !synchronous {
			ld.debounceTimer = time.NewTimer(backoff)
		}
		return
	}

	ld.dirty = false
	ld.saveAttempt = 0
	if err := ld.hub.coord.SetState(ctx, ld.id, snapshot, ld.hub.stateTTL); err != nil {
		ld.logger.Warn("Hot cache refresh failed", zap.Error(err))
	}
	ld.logger.Debug("Document persisted", zap.Int("bytes", len(snapshot)))
}

// teardown runs at drain expiry. Returns true when the actor should exit.
func (ld *LiveDoc) teardown() bool {
	if len(ld.peers) > 0 {
		// A peer re-attached while the timer fired.
		return false
	}
	if len(ld.mailbox) > 0 {
		// An attach may be queued behind the expired timer; give the loop a
		// chance to process it before tearing down.
		ld.drainTimer = time.NewTimer(50 * time.Millisecond)
		return false
	}
	for attempt := 0; ld.dirty && attempt < len(saveBackoff); attempt++ {
		ld.persist(true)
		if ld.dirty {
			time.Sleep(saveBackoff[attempt])
		}
	}
	if ld.dirty {
		ld.logger.Error("Teardown flush exhausted retries, dirty state lost")
	}
	ld.refreshMarkdownSnapshot()
	return true
}

// refreshMarkdownSnapshot serializes the replica's visible text back into
// the markdown column so viewers using only the HTTP API catch up with the
// collaborative edits.
func (ld *LiveDoc) refreshMarkdownSnapshot() {
	text := ld.doc.VisibleText()
	if text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := ld.hub.store.Update(ctx, ld.id, store.Patch{Markdown: &text})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		ld.logger.Warn("Markdown snapshot refresh failed", zap.Error(err))
	}
}

func (ld *LiveDoc) gcAwareness() {
	removal := ld.awareness.GC(ld.hub.cfg.AwarenessTimeout, func(clientID uint64) bool {
		for p := range ld.peers {
			if _, ok := p.awarenessIDs[clientID]; ok {
				return true
			}
		}
		return false
	})
	if removal != nil {
		ld.broadcast(encodeAwareness(removal), nil)
		ld.publish(cache.KindAwareness, removal)
	}
}

func (ld *LiveDoc) handleShutdown() {
	if ld.dirty {
		ld.persist(true)
		if ld.dirty {
			// One more try within the shutdown grace.
			time.Sleep(time.Second)
			ld.persist(true)
		}
	}
	ld.refreshMarkdownSnapshot()
	for p := range ld.peers {
		p.close(closeNormal, "server shutting down")
	}
	ld.state = stateDraining
}

func (ld *LiveDoc) startDrain() {
	ld.state = stateDraining
	if ld.drainTimer == nil {
		ld.drainTimer = time.NewTimer(ld.hub.cfg.DrainGrace)
	}
}

func (ld *LiveDoc) stopDrain() {
	if ld.drainTimer != nil {
		if !ld.drainTimer.Stop() {
			select {
			case <-ld.drainTimer.C:
			default:
			}
		}
		ld.drainTimer = nil
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
