package change

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ellsmere/lattice/core/unit"
)

// DefaultDebounce is the trailing-edge quiet window per unit.
const DefaultDebounce = 300 * time.Millisecond

var ErrDetectorClosed = errors.New("change detector is closed")

// DetectorConfig configures normalization.
type DetectorConfig struct {
	// Debounce is how long a unit must stay quiet before its pending
	// change becomes drainable. Each new event for the unit restarts
	// the window.
	Debounce time.Duration
}

type bufEvent struct {
	event Event
	// seq is the journal sequence of the oldest record this entry
	// covers. The durable cursor never advances past an unconsumed
	// entry.
	seq   uint64
	timer *time.Timer
}

// Detector normalizes observed events into drainable change sets.
// Every event is journaled before it is buffered, so the buffer can be
// reconstructed after a crash by replaying the journal past the durable
// cursor. Within the buffer, events for the same unit coalesce into one
// net event, and renames split into delete plus add with a migration
// record.
type Detector struct {
	config DetectorConfig
	log    *Log

	mu         sync.Mutex
	pending    map[unit.ID]*bufEvent
	ready      map[unit.ID]*bufEvent
	migrations []unit.Migration
	closed     bool

	notify chan struct{}
}

// NewDetector creates a detector journaling to log.
func NewDetector(log *Log, config DetectorConfig) *Detector {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	return &Detector{
		config:  config,
		log:     log,
		pending: make(map[unit.ID]*bufEvent),
		ready:   make(map[unit.ID]*bufEvent),
		notify:  make(chan struct{}, 1),
	}
}

// Ready signals when at least one unit has settled and Drain would
// return work.
func (d *Detector) Ready() <-chan struct{} {
	return d.notify
}

// Observe journals the event, then folds it into the buffer. Rename
// events are journaled once and buffered as a delete of the old unit
// plus an add of the new one, with a migration recorded.
func (d *Detector) Observe(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDetectorClosed
	}

	seq, err := d.log.AppendEvent(ev)
	if err != nil {
		return err
	}

	if ev.Kind == KindRename {
		d.bufferLocked(Event{Unit: ev.Unit, Kind: KindDelete, Source: ev.Source, Time: ev.Time}, seq)
		d.bufferLocked(Event{Unit: ev.RenamedTo, Kind: KindAdd, Source: ev.Source, Time: ev.Time}, seq)
		d.migrations = append(d.migrations, unit.Migration{From: ev.Unit, To: ev.RenamedTo})
		return nil
	}

	d.bufferLocked(ev, seq)
	return nil
}

func (d *Detector) bufferLocked(ev Event, seq uint64) {
	// A settled entry pulled back by new activity starts debouncing
	// again; it keeps its older journal position.
	if settled, ok := d.ready[ev.Unit]; ok {
		delete(d.ready, ev.Unit)
		ev.Kind = coalesce(settled.event.Kind, ev.Kind)
		seq = settled.seq
	}

	if existing, ok := d.pending[ev.Unit]; ok {
		existing.event.Kind = coalesce(existing.event.Kind, ev.Kind)
		existing.event.Time = ev.Time
		existing.timer.Stop()
		existing.timer = d.startTimerLocked(ev.Unit)
		return
	}

	d.pending[ev.Unit] = &bufEvent{
		event: ev,
		seq:   seq,
		timer: d.startTimerLocked(ev.Unit),
	}
}

func (d *Detector) startTimerLocked(id unit.ID) *time.Timer {
	return time.AfterFunc(d.config.Debounce, func() {
		d.promote(id)
	})
}

func (d *Detector) promote(id unit.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	entry, ok := d.pending[id]
	if !ok {
		return
	}
	delete(d.pending, id)
	d.ready[id] = entry
	d.signalLocked()
}

func (d *Detector) signalLocked() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Flush promotes everything still debouncing, so the next Drain sees
// the full buffer. Used by one-shot runs and shutdown.
func (d *Detector) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	for id, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, id)
		d.ready[id] = entry
	}
	if len(d.ready) > 0 {
		d.signalLocked()
	}
}

// Drain removes all settled entries and returns them as one change set,
// events sorted by unit id. ToSeq is the newest journal position fully
// covered by this drain: the durable cursor may advance to it once the
// cycle consuming the set commits. Returns nil when nothing settled.
func (d *Detector) Drain() *ChangeSet {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.ready) == 0 && len(d.migrations) == 0 {
		return nil
	}

	cs := &ChangeSet{
		Events:     make([]Event, 0, len(d.ready)),
		Migrations: d.migrations,
	}
	for _, entry := range d.ready {
		cs.Events = append(cs.Events, entry.event)
	}
	sort.Slice(cs.Events, func(i, j int) bool { return cs.Events[i].Unit < cs.Events[j].Unit })
	d.ready = make(map[unit.ID]*bufEvent)
	d.migrations = nil

	cs.ToSeq = d.log.CurrentSequence()
	for _, entry := range d.pending {
		if entry.seq-1 < cs.ToSeq {
			cs.ToSeq = entry.seq - 1
		}
	}
	return cs
}

// Replay reconstructs the buffer from journal records past afterSeq.
// Replayed events skip the debounce window: they are old by definition.
// Returns the number of event records replayed.
func (d *Detector) Replay(afterSeq uint64) (int, error) {
	records, err := d.log.ReadFrom(afterSeq)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrDetectorClosed
	}

	count := 0
	for _, rec := range records {
		if rec.Type != RecordEvent {
			continue
		}
		var ev Event
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			continue
		}
		if ev.Kind == KindRename {
			d.replayLocked(Event{Unit: ev.Unit, Kind: KindDelete, Source: SourceReplay, Time: ev.Time}, rec.Seq)
			d.replayLocked(Event{Unit: ev.RenamedTo, Kind: KindAdd, Source: SourceReplay, Time: ev.Time}, rec.Seq)
			d.migrations = append(d.migrations, unit.Migration{From: ev.Unit, To: ev.RenamedTo})
		} else {
			ev.Source = SourceReplay
			d.replayLocked(ev, rec.Seq)
		}
		count++
	}

	if len(d.ready) > 0 {
		d.signalLocked()
	}
	return count, nil
}

func (d *Detector) replayLocked(ev Event, seq uint64) {
	if settled, ok := d.ready[ev.Unit]; ok {
		settled.event.Kind = coalesce(settled.event.Kind, ev.Kind)
		settled.event.Time = ev.Time
		return
	}
	d.ready[ev.Unit] = &bufEvent{event: ev, seq: seq}
}

// PendingCount returns how many units are still inside their debounce
// window.
func (d *Detector) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// ReadyCount returns how many units have settled and await draining.
func (d *Detector) ReadyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ready)
}

// Close stops all debounce timers. The journal is not closed; its owner
// does that.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for _, entry := range d.pending {
		entry.timer.Stop()
	}
	d.pending = make(map[unit.ID]*bufEvent)
}
