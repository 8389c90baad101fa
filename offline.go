package musical

import (
	"errors"
	"os"
	"time"

	gaudio "github.com/go-audio/audio"

	"github.com/alislin/musical/internal/sched"
	"github.com/alislin/musical/internal/synth"
	"github.com/cwbudde/wav"
)

const renderBlockFrames = 2048

// renderTimer discards timer arms; offline rendering drives the scheduler by
// polling once per block instead.
type renderTimer struct{}

func (renderTimer) Schedule(time.Duration, func()) {}
func (renderTimer) Stop()                          {}

// RenderSamples renders ABC notation to interleaved stereo float32 frames at
// the given sample rate, deterministically and without an audio device. The
// same scheduling path as live playback is used; the clock is the render
// position.
func RenderSamples(text string, sampleRate int, opts ...PlayOption) ([]float32, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	var cfg playConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	songs := parseTunes(text)
	if len(songs) == 0 {
		return nil, errors.New("no playable tunes in input")
	}

	eng := synth.New(sampleRate, synth.DefaultParams())
	e := sched.New(sched.Config{
		Clock:    sched.FuncClock(eng.Position),
		Timer:    renderTimer{},
		Renderer: eng,
	})

	finished := false
	e.BeginBatch()
	total := scheduleSongs(e, songs, DefaultTimbre(), cfg)
	e.ScheduleCallback(total, func() { finished = true })
	e.EndBatch()

	out := make([]float32, 0, int(total*float64(sampleRate))*2)
	buf := make([]float32, renderBlockFrames*2)
	for !finished {
		e.Poll()
		eng.Process(buf)
		out = append(out, buf...)
	}
	// Let release tails ring out.
	for eng.ActiveVoiceCount() > 0 {
		e.Poll()
		eng.Process(buf)
		out = append(out, buf...)
	}
	e.Silence()
	return out, nil
}

// WriteWAV writes interleaved stereo float32 frames to path as a 16-bit PCM
// WAV file.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 2, 1)
	buf := &gaudio.Float32Buffer{
		Format: &gaudio.Format{
			NumChannels: 2,
			SampleRate:  sampleRate,
		},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
