// Package audit implements the hub's lifecycle audit trail: a durable,
// append-only record of every delivery lifecycle event, kept for
// after-the-fact inspection and never on the delivery-correctness path
// (§4.3.1).
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"relaymesh/hub/internal/logging"
)

type entry struct {
	Topic   string
	Payload any
	At      time.Time
}

// Trail streams lifecycle events to a snappy-compressed JSONL log and
// periodic hub-wide stats snapshots to a zstd-compressed binary log. A
// background goroutine writes the event stream, so Record never blocks the
// caller on disk I/O; RecordStatsSnapshot writes the stats stream on the
// caller's goroutine.
type Trail struct {
	queue chan entry
	done  chan struct{}
	log   *logging.Logger

	eventFile   *os.File
	eventStream *snappy.Writer
	statsFile   *os.File
	statsStream *zstd.Encoder
}

// Open creates a fresh audit bundle under root, named by the hub's start
// time, and begins the background writer.
func Open(root string, startedAt time.Time, log *logging.Logger) (*Trail, error) {
	if log == nil {
		log = logging.L()
	}
	dir := filepath.Join(root, fmt.Sprintf("hub-%s", startedAt.UTC().Format("20060102T150405Z")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventFile, err := os.Create(filepath.Join(dir, "lifecycle.jsonl.sz"))
	if err != nil {
		return nil, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	statsFile, err := os.Create(filepath.Join(dir, "stats.bin.zst"))
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		return nil, err
	}
	statsStream, err := zstd.NewWriter(statsFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		statsFile.Close()
		return nil, err
	}

	t := &Trail{
		queue:       make(chan entry, 1024),
		done:        make(chan struct{}),
		log:         log,
		eventFile:   eventFile,
		eventStream: eventStream,
		statsFile:   statsFile,
		statsStream: statsStream,
	}
	go t.run()
	return t, nil
}

func (t *Trail) run() {
	defer close(t.done)
	for e := range t.queue {
		if err := t.appendEvent(e); err != nil {
			t.log.Warn("audit trail write failed", logging.String("topic", e.Topic), logging.Error(err))
		}
	}
}

// Record implements dispatch.AuditSink. It is non-blocking: a full queue
// silently drops the event rather than stall the delivery engine.
func (t *Trail) Record(topic string, payload any) {
	if t == nil {
		return
	}
	select {
	case t.queue <- entry{Topic: topic, Payload: payload, At: time.Now().UTC()}:
	default:
		t.log.Warn("audit trail queue full, dropping event", logging.String("topic", topic))
	}
}

func (t *Trail) appendEvent(e entry) error {
	line, err := json.Marshal(struct {
		Topic   string    `json:"topic"`
		At      time.Time `json:"at"`
		Payload any       `json:"payload"`
	}{Topic: e.Topic, At: e.At, Payload: e.Payload})
	if err != nil {
		return err
	}
	if _, err := t.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	return t.eventStream.Flush()
}

// RecordStatsSnapshot appends a length-prefixed, zstd-compressed binary
// frame carrying a point-in-time stats snapshot, for coarse long-term
// trend inspection alongside the per-event JSONL log.
func (t *Trail) RecordStatsSnapshot(at time.Time, snapshot any) error {
	if t == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	header := make([]byte, 8+4)
	binary.LittleEndian.PutUint64(header[0:8], uint64(at.UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := t.statsStream.Write(header); err != nil {
		return err
	}
	_, err = t.statsStream.Write(payload)
	return err
}

// Close drains the queue and flushes both streams.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	close(t.queue)
	<-t.done

	var firstErr error
	if err := t.eventStream.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.statsStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.statsFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
