package media

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink renders remote call audio on one output device.
type Sink interface {
	ID() string
	Close() error
}

// SinkFactory opens a sink on a device. master is true for the single
// unprocessed master binding; routed copies get false.
type SinkFactory func(deviceID string, master bool) (Sink, error)

// outputManager reconciles the set of active output devices. Exactly
// one device holds the master binding; every other selected device
// gets a routed copy. Updates are transactional: when any sink fails
// to open, previously active bindings are left untouched.
type outputManager struct {
	mu       sync.Mutex
	factory  SinkFactory
	masterID string
	sinks    map[string]Sink
}

func newOutputManager(factory SinkFactory) *outputManager {
	return &outputManager{factory: factory, sinks: make(map[string]Sink)}
}

// Update reconciles the active device set against deviceIDs. When the
// current master is no longer selected the first selected device is
// promoted; an empty selection tears down every binding.
func (o *outputManager) Update(deviceIDs []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.factory == nil {
		return nil
	}

	desired := dedupe(deviceIDs)
	if len(desired) == 0 {
		o.closeAllLocked()
		return nil
	}

	newMasterID := o.masterID
	if !contains(desired, newMasterID) {
		newMasterID = desired[0]
	}

	// Open every new binding before touching existing ones so a
	// failure leaves the previous state intact.
	created := make(map[string]Sink)
	for _, id := range desired {
		_, active := o.sinks[id]
		promoting := id == newMasterID && id != o.masterID
		if active && !promoting {
			continue
		}
		sink, err := o.factory(id, id == newMasterID)
		if err != nil {
			for _, s := range created {
				s.Close()
			}
			return fmt.Errorf("open output %q: %w", id, err)
		}
		created[id] = sink
	}

	for id, sink := range created {
		if old := o.sinks[id]; old != nil {
			old.Close()
		}
		o.sinks[id] = sink
	}
	for id, sink := range o.sinks {
		if !contains(desired, id) {
			sink.Close()
			delete(o.sinks, id)
		}
	}

	if newMasterID != o.masterID {
		logrus.WithFields(logrus.Fields{
			"function": "Update",
			"master":   newMasterID,
			"previous": o.masterID,
		}).Info("Master output device reassigned")
	}
	o.masterID = newMasterID
	return nil
}

// Master returns the device holding the master binding, empty when no
// device is active.
func (o *outputManager) Master() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.masterID
}

// Devices returns the active device IDs in sorted order.
func (o *outputManager) Devices() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.sinks))
	for id := range o.sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close tears down every binding.
func (o *outputManager) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeAllLocked()
}

func (o *outputManager) closeAllLocked() {
	for id, sink := range o.sinks {
		sink.Close()
		delete(o.sinks, id)
	}
	o.masterID = ""
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
