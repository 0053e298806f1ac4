package join

import (
	"os"

	"github.com/kiesman99/untile/internal/logger"
)

// slotPair is a two-slot temp-file pool for double-buffered composition:
// jpegtran cannot read and write the same file, so every operation reads the
// current slot and writes the other, then the pair flips. Both slots are
// exclusively owned by the join consumer.
type slotPair struct {
	files [2]string
	cur   int
}

func newSlotPair(dir, prefix string, log logger.ILogger) (*slotPair, error) {
	p := &slotPair{}
	for i := range p.files {
		f, err := os.CreateTemp(dir, prefix+"*.jpg")
		if err != nil {
			p.remove()
			return nil, err
		}
		p.files[i] = f.Name()
		f.Close()
		log.Debugf("Created temporary image file: %s", f.Name())
	}
	return p, nil
}

// current returns the slot holding the latest composed image.
func (p *slotPair) current() string {
	return p.files[p.cur]
}

// next returns the slot the upcoming operation should write to.
func (p *slotPair) next() string {
	return p.files[(p.cur+1)%2]
}

// flip makes the last written slot current.
func (p *slotPair) flip() {
	p.cur = (p.cur + 1) % 2
}

func (p *slotPair) remove() {
	for _, f := range p.files {
		if f != "" {
			os.Remove(f)
		}
	}
}
