// Package musical plays ABC notation and individually scheduled tones
// through a sample-accurate note scheduler and a polyphonic software synth.
package musical

import "errors"

// Context holds what instruments share: the output sample rate. The platform
// audio device allows one rate per process, so create one Context and hand
// it around.
type Context struct {
	sampleRate int
}

func NewContext(sampleRate int) (*Context, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	return &Context{sampleRate: sampleRate}, nil
}

func (c *Context) SampleRate() int { return c.sampleRate }
