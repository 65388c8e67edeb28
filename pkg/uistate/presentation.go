package uistate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/store"
)

// Presentation layers recorded as metadata truth events. Each layer is a
// full override map; precedence is user over admin over factory.
const (
	MessageTypePresentationFactory = "presentationFactory"
	MessageTypePresentationAdmin   = "presentationAdmin"
	MessageTypePresentationUser    = "presentationUser"
)

// PresentationAt resolves the presentation overrides in force at an
// instant. Each layer is the newest matching metadata event at or before
// the instant; absent layers are skipped. Returns an empty map when no
// layer exists.
func (m *Manager) PresentationAt(ctx context.Context, scopeID string, id models.Identity, at time.Time) (map[string]any, error) {
	layerTypes := []string{
		MessageTypePresentationFactory,
		MessageTypePresentationAdmin,
		MessageTypePresentationUser,
	}
	layers := make([]map[string]any, len(layerTypes))
	for i, messageType := range layerTypes {
		ev, err := m.reader.LatestMetadata(ctx, scopeID, id, messageType, at)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("presentation layer %s lookup failed: %w", messageType, err)
		}
		var state map[string]any
		if err := json.Unmarshal(ev.Payload, &state); err != nil {
			return nil, fmt.Errorf("undecodable presentation payload %s: %w", ev.EventID, err)
		}
		layers[i] = state
	}
	return ResolvePresentation(layers[0], layers[1], layers[2]), nil
}
