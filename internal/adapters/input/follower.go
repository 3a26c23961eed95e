package input

import (
	"context"
	"sync"

	"github.com/nxadm/tail"
	"github.com/rs/zerolog/log"

	"github.com/vigilsec/banwatch/internal/domain"
)

// LogFollower tails the live fail2ban log and streams parsed events as
// they are written. It backs the interactive `follow` mode; the polling
// engine uses the PositionTracker instead, which owns durable cursors.
type LogFollower struct {
	filepath   string
	parser     *EventParser
	tail       *tail.Tail
	bufferSize int

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

func NewLogFollower(filepath string, parser *EventParser, bufferSize int) *LogFollower {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &LogFollower{
		filepath:   filepath,
		parser:     parser,
		bufferSize: bufferSize,
		stopChan:   make(chan struct{}),
	}
}

// Start begins tailing from the end of the file and returns the event and
// error channels. Both are closed when the follower stops.
func (f *LogFollower) Start(ctx context.Context) (<-chan domain.BanEvent, <-chan error) {
	eventChan := make(chan domain.BanEvent, f.bufferSize)
	errChan := make(chan error, 10)

	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		close(eventChan)
		return eventChan, errChan
	}
	f.running = true
	f.stopChan = make(chan struct{})
	f.mu.Unlock()

	go func() {
		defer close(eventChan)
		defer close(errChan)

		config := tail.Config{
			Follow:    true,
			ReOpen:    true,
			MustExist: false,
			Location:  &tail.SeekInfo{Offset: 0, Whence: 2},
		}

		var err error
		f.tail, err = tail.TailFile(f.filepath, config)
		if err != nil {
			log.Error().Err(err).Str("file", f.filepath).Msg("failed to tail log")
			errChan <- err
			return
		}

		log.Info().Str("file", f.filepath).Msg("following fail2ban log")

		for {
			select {
			case <-ctx.Done():
				return
			case <-f.stopChan:
				return
			case line, ok := <-f.tail.Lines:
				if !ok {
					log.Info().Msg("tail channel closed")
					return
				}
				if line.Err != nil {
					log.Warn().Err(line.Err).Msg("error reading line")
					errChan <- line.Err
					continue
				}
				ev, ok := f.parser.ParseLine(line.Text)
				if !ok {
					continue
				}
				select {
				case eventChan <- ev:
				case <-ctx.Done():
					return
				case <-f.stopChan:
					return
				}
			}
		}
	}()

	return eventChan, errChan
}

func (f *LogFollower) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return nil
	}
	close(f.stopChan)
	f.running = false

	if f.tail != nil {
		return f.tail.Stop()
	}
	return nil
}
