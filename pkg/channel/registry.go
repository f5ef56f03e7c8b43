package channel

import (
	"errors"
	"fmt"
	"slices"
)

// Registry owns the ID -> Binding -> Adapter mapping for the process lifetime.
// It is read-only once built.
type Registry struct {
	entries map[ID]entry
	order   []ID
}

type entry struct {
	binding Binding
	adapter Adapter
}

// NewRegistry validates bindings and pairs them with their adapters.
func NewRegistry(bindings []Binding, adapters []Adapter) (*Registry, error) {
	byID := make(map[ID]Adapter, len(adapters))
	for _, adapter := range adapters {
		if adapter == nil {
			return nil, errors.New("nil adapter")
		}
		if _, dup := byID[adapter.ID()]; dup {
			return nil, fmt.Errorf("duplicate adapter for channel %s", adapter.ID())
		}
		byID[adapter.ID()] = adapter
	}

	r := &Registry{entries: make(map[ID]entry, len(bindings))}
	inboxes := make(map[int64]ID, len(bindings))
	for _, binding := range bindings {
		if _, dup := r.entries[binding.Channel]; dup {
			return nil, fmt.Errorf("duplicate binding for channel %s", binding.Channel)
		}
		if binding.InboxID <= 0 {
			return nil, fmt.Errorf("channel %s: inbox id must be positive", binding.Channel)
		}
		if other, taken := inboxes[binding.InboxID]; taken {
			return nil, fmt.Errorf("channels %s and %s share inbox %d", other, binding.Channel, binding.InboxID)
		}
		adapter, ok := byID[binding.Channel]
		if !ok {
			return nil, fmt.Errorf("channel %s has a binding but no adapter", binding.Channel)
		}

		inboxes[binding.InboxID] = binding.Channel
		r.entries[binding.Channel] = entry{binding: binding, adapter: adapter}
		r.order = append(r.order, binding.Channel)
	}

	for id := range byID {
		if _, ok := r.entries[id]; !ok {
			return nil, fmt.Errorf("channel %s has an adapter but no binding", id)
		}
	}

	slices.SortFunc(r.order, func(a, b ID) int {
		return slices.Index(All, a) - slices.Index(All, b)
	})

	return r, nil
}

// Adapter returns the adapter bound to id.
func (r *Registry) Adapter(id ID) (Adapter, bool) {
	e, ok := r.entries[id]
	return e.adapter, ok
}

// Binding returns the configuration bound to id.
func (r *Registry) Binding(id ID) (Binding, bool) {
	e, ok := r.entries[id]
	return e.binding, ok
}

// ByInbox returns the channel bound to a hub inbox.
func (r *Registry) ByInbox(inboxID int64) (ID, bool) {
	for _, id := range r.order {
		if r.entries[id].binding.InboxID == inboxID {
			return id, true
		}
	}

	return "", false
}

// ByWebhook returns the channel whose hub webhook id matches.
func (r *Registry) ByWebhook(webhookID string) (ID, bool) {
	if webhookID == "" {
		return "", false
	}
	for _, id := range r.order {
		if r.entries[id].binding.WebhookID == webhookID {
			return id, true
		}
	}

	return "", false
}

// IDs lists bound channels in stable order.
func (r *Registry) IDs() []ID {
	return slices.Clone(r.order)
}

// Adapters lists bound adapters in stable order.
func (r *Registry) Adapters() []Adapter {
	adapters := make([]Adapter, 0, len(r.order))
	for _, id := range r.order {
		adapters = append(adapters, r.entries[id].adapter)
	}

	return adapters
}
