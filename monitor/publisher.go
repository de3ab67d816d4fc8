package monitor

import (
	"fmt"

	"github.com/vinayprograms/singletonkit/bus"
	"github.com/vinayprograms/singletonkit/logging"
)

// Publisher announces worker terminations to the cluster.
type Publisher interface {
	Publish(d Down) error
}

// BusPublisher publishes Down notifications on a message bus.
type BusPublisher struct {
	bus    bus.MessageBus
	logger *logging.Logger
}

// NewBusPublisher creates a publisher on b.
func NewBusPublisher(b bus.MessageBus, logger *logging.Logger) *BusPublisher {
	if logger == nil {
		logger = logging.New()
	}
	return &BusPublisher{bus: b, logger: logger.WithComponent("monitor")}
}

// Publish sends d on the subject of its singleton name.
func (p *BusPublisher) Publish(d Down) error {
	data, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("encode down: %w", err)
	}
	if err := p.bus.Publish(Subject(d.Handle.Name), data); err != nil {
		return fmt.Errorf("publish down: %w", err)
	}
	p.logger.Debug("down_published", map[string]interface{}{
		"singleton": d.Handle.Name,
		"handle":    d.Handle.ID,
		"reason":    string(d.Reason),
	})
	return nil
}
