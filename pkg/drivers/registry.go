package drivers

import "github.com/nova-io/nova/pkg/models"

// Registry holds driver declarations in registration order. Selection is
// first-match over that order, so a fixed configuration always selects the
// same driver for the same event shape.
type Registry struct {
	drivers []Driver
}

func NewRegistry(drivers ...Driver) *Registry {
	return &Registry{drivers: drivers}
}

func (r *Registry) Register(d Driver) {
	r.drivers = append(r.drivers, d)
}

// Select returns the first registered driver matching the event shape.
func (r *Registry) Select(lane models.Lane, messageType string, schemaVersion int) (Driver, bool) {
	for _, d := range r.drivers {
		if d.Matches(lane, messageType, schemaVersion) {
			return d, true
		}
	}
	return nil, false
}

// Find returns the registered driver with the given id and version, used to
// resolve recorded bindings during export.
func (r *Registry) Find(id string, version int) (Driver, bool) {
	for _, d := range r.drivers {
		if d.ID() == id && d.Version() == version {
			return d, true
		}
	}
	return nil, false
}
