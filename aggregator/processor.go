package aggregator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// HitsFileName is the file the collector appends hits to.
const HitsFileName = "hits.jsonl"

// HitTracker records a single hit. Engine implements it.
type HitTracker interface {
	TrackHit(ctx context.Context, hit Hit) (bool, error)
}

// ProcessStats summarizes one pass over a hits file.
type ProcessStats struct {
	Lines       int
	NewSessions int
	Skipped     int
}

// Processor tails the hits files written by the collector and replays every
// new line through a HitTracker. Read positions are kept in an OffsetStore
// so a restart resumes where the previous run stopped.
type Processor struct {
	dataDir  string
	files    []string
	offsets  OffsetStore
	tracker  HitTracker
	interval time.Duration
	stopChan chan bool
	log      *logrus.Entry
}

func NewProcessor(dataDir string, offsets OffsetStore, tracker HitTracker, interval time.Duration, log *logrus.Entry) *Processor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Processor{
		dataDir:  dataDir,
		files:    []string{HitsFileName},
		offsets:  offsets,
		tracker:  tracker,
		interval: interval,
		stopChan: make(chan bool),
		log:      log.WithField("component", "processor"),
	}
}

// Watch replaces the file names read from the data directory.
func (p *Processor) Watch(names ...string) {
	if len(names) > 0 {
		p.files = names
	}
}

// Start processes what is already on disk, then polls every interval.
func (p *Processor) Start(ctx context.Context) {
	p.log.WithField("dir", p.dataDir).Info("Starting hits processor")
	p.processAllFiles(ctx)

	ticker := time.NewTicker(p.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				p.processAllFiles(ctx)
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-p.stopChan:
				ticker.Stop()
				p.log.Info("Hits processor stopped")
				return
			}
		}
	}()
}

func (p *Processor) Stop() {
	close(p.stopChan)
}

func (p *Processor) processAllFiles(ctx context.Context) {
	for _, name := range p.files {
		if _, err := p.ProcessFile(ctx, filepath.Join(p.dataDir, name)); err != nil {
			p.log.WithField("file", name).WithError(err).Error("Failed to process hits file")
		}
	}
}

// ProcessFile replays the lines appended to filePath since the last call.
// A storage failure stops the pass at the failing line so it is retried on
// the next one; lines that do not decode are logged and skipped.
func (p *Processor) ProcessFile(ctx context.Context, filePath string) (ProcessStats, error) {
	var stats ProcessStats

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to stat file: %w", err)
	}

	filename := filepath.Base(filePath)
	log := p.log.WithField("file", filename)

	state, err := p.offsets.GetProcessingState(ctx, filename)
	if err != nil {
		return stats, fmt.Errorf("failed to get processing state: %w", err)
	}

	// A smaller file than last time means it was rotated or truncated.
	if fileInfo.Size() < state.FileSizeBytes {
		log.WithFields(logrus.Fields{
			"previous_size": state.FileSizeBytes,
			"size":          fileInfo.Size(),
		}).Warn("Hits file shrank, reading from the start")
		state.LastByteOffset = 0
		state.FileSizeBytes = 0
	}
	if fileInfo.Size() <= state.LastByteOffset {
		return stats, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		return stats, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(state.LastByteOffset, io.SeekStart); err != nil {
		return stats, fmt.Errorf("failed to seek to position %d: %w", state.LastByteOffset, err)
	}

	reader := bufio.NewReader(file)
	offset := state.LastByteOffset
	var passErr error

	for {
		line, readErr := reader.ReadString('\n')
		// A trailing line without newline is still being written.
		if readErr != nil {
			if readErr != io.EOF {
				passErr = fmt.Errorf("error reading file: %w", readErr)
			}
			break
		}

		if trimmed := strings.TrimSpace(line); trimmed != "" {
			isNew, err := p.processLine(ctx, trimmed)
			if err != nil && (errors.Is(err, ErrStorageUnavailable) || ctx.Err() != nil) {
				passErr = err
				break
			}
			if err != nil {
				log.WithField("offset", offset).WithError(err).Warn("Skipping hit line")
				stats.Skipped++
			} else if isNew {
				stats.NewSessions++
			}
			stats.Lines++
		}
		offset += int64(len(line))

		if stats.Lines > 0 && stats.Lines%100 == 0 && strings.TrimSpace(line) != "" {
			if err := p.offsets.UpdateProcessingState(ctx, filename, offset, fileInfo.Size()); err != nil {
				log.WithError(err).Warn("Failed to update processing state")
			}
		}
	}

	if offset != state.LastByteOffset {
		if err := p.offsets.UpdateProcessingState(ctx, filename, offset, fileInfo.Size()); err != nil {
			return stats, multierr.Append(passErr, fmt.Errorf("failed to update processing state: %w", err))
		}
		log.WithFields(logrus.Fields{
			"lines":        stats.Lines,
			"new_sessions": stats.NewSessions,
			"offset":       offset,
		}).Info("Processed hits")
	}
	return stats, passErr
}

func (p *Processor) processLine(ctx context.Context, line string) (bool, error) {
	var hit Hit
	if err := json.Unmarshal([]byte(line), &hit); err != nil {
		return false, fmt.Errorf("failed to unmarshal hit: %w", err)
	}
	if hit.Timestamp.IsZero() {
		return false, fmt.Errorf("%w: hit has no timestamp", ErrMissingParameter)
	}
	return p.tracker.TrackHit(ctx, hit)
}
