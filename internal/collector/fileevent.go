package collector

import (
	"context"
)

// FileEventCollector forwards every filesystem change the watcher emits,
// one item per event, in arrival order.
type FileEventCollector struct {
	watcher FileWatcher
}

func NewFileEventCollector(w FileWatcher) *FileEventCollector {
	return &FileEventCollector{watcher: w}
}

func (c *FileEventCollector) Name() string { return "file_event" }

func (c *FileEventCollector) Stream(ctx context.Context) (<-chan Item, error) {
	if c.watcher == nil {
		return nil, ErrNotImplemented
	}
	events, err := c.watcher.Watch(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Item)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				select {
				case out <- Item{Timestamp: ev.Timestamp, Payload: ev}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
