package turn

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/PJR1992PJR/HA-OpenAI-Realtime-API/pkg/audio"
)

// playbackPump decouples the receive activity from the speaker. Enqueue never
// blocks; chunks that do not fit the queue are dropped and counted.
type playbackPump struct {
	sink    audio.Sink
	queue   chan []byte
	done    chan struct{}
	log     *slog.Logger
	dropped atomic.Int64
	onDrop  func()
}

func startPlayback(ctx context.Context, sink audio.Sink, size int, log *slog.Logger, onDrop func()) *playbackPump {
	p := &playbackPump{
		sink:   sink,
		queue:  make(chan []byte, size),
		done:   make(chan struct{}),
		log:    log,
		onDrop: onDrop,
	}
	go p.run(ctx)
	return p
}

func (p *playbackPump) run(ctx context.Context) {
	defer close(p.done)
	failed := false
	for pcm := range p.queue {
		if failed || ctx.Err() != nil {
			continue
		}
		if err := p.sink.Write(ctx, pcm); err != nil {
			// One warning per turn; the rest of the reply is discarded.
			p.log.Warn("playback failed, discarding remaining audio", "err", err)
			failed = true
		}
	}
}

// Enqueue hands pcm to the pump and reports whether it was accepted.
func (p *playbackPump) Enqueue(pcm []byte) bool {
	select {
	case p.queue <- pcm:
		return true
	default:
		p.dropped.Add(1)
		if p.onDrop != nil {
			p.onDrop()
		}
		return false
	}
}

// Close stops accepting audio and waits until queued audio has been played.
// Enqueue must not be called after Close.
func (p *playbackPump) Close() {
	close(p.queue)
	<-p.done
}

// Dropped returns the number of chunks dropped so far.
func (p *playbackPump) Dropped() int64 { return p.dropped.Load() }
