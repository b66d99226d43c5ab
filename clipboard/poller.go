package clipboard

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how often the local clipboard is sampled.
const DefaultPollInterval = 500 * time.Millisecond

// Clipboard abstracts the platform clipboard. The daemon plugs in an OS
// implementation; tests use an in-memory one.
type Clipboard interface {
	Read() (string, error)
	Write(value string) error
}

// Change is one locally originated clipboard update to share with peers.
type Change struct {
	Value string `json:"value"`
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	Clipboard Clipboard
	// Interval defaults to DefaultPollInterval when zero.
	Interval time.Duration
}

func (o PollerOptions) withDefaults() PollerOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	return o
}

// Poller samples the local clipboard and emits genuine local changes.
// Remote values applied through Apply never come back out as events.
type Poller struct {
	options    PollerOptions
	suppressor Suppressor
	events     chan Change
	last       string
}

// NewPoller builds a poller over the given clipboard.
func NewPoller(options PollerOptions) (*Poller, error) {
	options = options.withDefaults()
	if options.Clipboard == nil {
		return nil, errors.New("clipboard implementation is required")
	}
	return &Poller{
		options: options,
		events:  make(chan Change, 16),
	}, nil
}

// Events is the stream of local clipboard changes.
func (p *Poller) Events() <-chan Change {
	return p.events
}

// Apply writes a remote value into the local clipboard and arms the echo
// guard so the write is not observed as a local change.
func (p *Poller) Apply(value string) error {
	p.suppressor.MarkApplied(value)
	if err := p.options.Clipboard.Write(value); err != nil {
		return err
	}
	logrus.WithField("length", len(value)).Debug("applied remote clipboard value")
	return nil
}

// Run polls until the context is canceled, then closes the event channel.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.events)

	if value, err := p.options.Clipboard.Read(); err == nil {
		// The content present at startup is the baseline, not a change.
		p.last = value
	}

	ticker := time.NewTicker(p.options.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	value, err := p.options.Clipboard.Read()
	if err != nil {
		logrus.WithError(err).Debug("clipboard read failed")
		return
	}
	if value == p.last {
		return
	}
	p.last = value

	// Blank values are transient states of some clipboard managers, never
	// something worth forwarding.
	if value == "" {
		return
	}
	if p.suppressor.ShouldSuppress(value) {
		logrus.Debug("suppressed clipboard echo")
		return
	}

	select {
	case p.events <- Change{Value: value}:
	case <-ctx.Done():
	}
}
